package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = filepath.Join(t.TempDir(), "workspace")
	}
	r, err := New(opts, nil)
	require.NoError(t, err)
	return r
}

func TestNewSenderHasNoSession(t *testing.T) {
	r := newRunner(t, Options{})
	assert.Empty(t, r.SessionID("unknown@s.whatsapp.net"))
}

func TestSessionMapPersistsToDisk(t *testing.T) {
	r := newRunner(t, Options{})
	r.storeSession("user@s.whatsapp.net", "session-abc-123")

	r2 := newRunner(t, Options{WorkspaceDir: r.workspaceDir})
	assert.Equal(t, "session-abc-123", r2.SessionID("user@s.whatsapp.net"))
}

func TestClearSessionRemovesMapping(t *testing.T) {
	r := newRunner(t, Options{})
	r.storeSession("user@s.whatsapp.net", "session-abc-123")

	r.ClearSession("user@s.whatsapp.net")
	assert.Empty(t, r.SessionID("user@s.whatsapp.net"))
}

func TestClearNonexistentSessionIsNoop(t *testing.T) {
	r := newRunner(t, Options{})
	r.ClearSession("nobody@s.whatsapp.net")
}

func TestMultipleSendersHaveSeparateSessions(t *testing.T) {
	r := newRunner(t, Options{})
	r.storeSession("a@s.whatsapp.net", "session-a")
	r.storeSession("b@s.whatsapp.net", "session-b")

	assert.Equal(t, "session-a", r.SessionID("a@s.whatsapp.net"))
	assert.Equal(t, "session-b", r.SessionID("b@s.whatsapp.net"))
}

func TestCorruptSessionMapStartsFresh(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".session_map.json"), []byte("{not json"), 0o644))

	r := newRunner(t, Options{WorkspaceDir: dir})
	assert.Empty(t, r.SessionID("user@s.whatsapp.net"))
}

func TestAllowedToolsIncludeReadOnlyOperations(t *testing.T) {
	assert.Contains(t, DefaultAllowedTools, "Read")
	assert.Contains(t, DefaultAllowedTools, "Grep")
	assert.Contains(t, DefaultAllowedTools, "WebSearch")
}

func TestDisallowedToolsBlockWriteOperations(t *testing.T) {
	assert.Contains(t, DefaultDisallowedTools, "Bash")
	assert.Contains(t, DefaultDisallowedTools, "Edit")
	assert.Contains(t, DefaultDisallowedTools, "Write")
}

func TestDisallowedToolsBlockSlack(t *testing.T) {
	assert.Contains(t, DefaultDisallowedTools, "mcp__slack__*")
}

func TestPerplexityToolsAllowed(t *testing.T) {
	count := 0
	for _, tool := range DefaultAllowedTools {
		if strings.Contains(tool, "perplexity") {
			count++
		}
	}
	assert.GreaterOrEqual(t, count, 3)
}

func TestWorkspaceDirResolvesToAbsolute(t *testing.T) {
	r := newRunner(t, Options{WorkspaceDir: filepath.Join(t.TempDir(), "ws")})
	assert.True(t, filepath.IsAbs(r.workspaceDir))
}

func TestCustomToolsOverrideDefaults(t *testing.T) {
	r := newRunner(t, Options{
		AllowedTools:    []string{"Read", "WebSearch"},
		DisallowedTools: []string{"Bash"},
	})
	assert.Equal(t, []string{"Read", "WebSearch"}, r.allowedTools)
	assert.Equal(t, []string{"Bash"}, r.disallowedTools)
}

func TestBuildArgsNewSession(t *testing.T) {
	r := newRunner(t, Options{Model: "test-model", MaxTurns: 3, MCPConfig: "mcp.json"})
	args := r.buildArgs("", "Alice")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-p")
	assert.Contains(t, joined, "--output-format json")
	assert.Contains(t, joined, "--model test-model")
	assert.Contains(t, joined, "--max-turns 3")
	assert.Contains(t, joined, "--mcp-config mcp.json")
	assert.Contains(t, joined, "Alice")
	assert.NotContains(t, joined, "--resume")
}

func TestBuildArgsResumesExistingSession(t *testing.T) {
	r := newRunner(t, Options{Model: "test-model"})
	args := r.buildArgs("session-xyz", "")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--resume session-xyz")
	assert.Contains(t, joined, "someone")
}

func TestMissingBinaryReturnsFriendlyMessage(t *testing.T) {
	r := newRunner(t, Options{Binary: filepath.Join(t.TempDir(), "no-such-claude")})

	reply, err := r.GenerateReply(context.Background(), "user@s.whatsapp.net", "Hello", "")
	assert.Error(t, err)
	assert.Equal(t, replyUnknown, reply)
}

func TestTimeoutReturnsFriendlyMessage(t *testing.T) {
	script := filepath.Join(t.TempDir(), "slow-claude")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	r := newRunner(t, Options{Binary: script, Timeout: 50 * time.Millisecond})
	reply, err := r.GenerateReply(context.Background(), "user@s.whatsapp.net", "Hello", "")
	assert.Error(t, err)
	assert.Equal(t, replyTimeout, reply)
}

func TestBadJSONReturnsFriendlyMessage(t *testing.T) {
	script := filepath.Join(t.TempDir(), "noisy-claude")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'not json'\n"), 0o755))

	r := newRunner(t, Options{Binary: script})
	reply, err := r.GenerateReply(context.Background(), "user@s.whatsapp.net", "Hello", "")
	assert.Error(t, err)
	assert.Equal(t, replyBadOutput, reply)
}

func TestSuccessfulRunStoresSession(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\necho '{\"result\": \"Hi there!\", \"session_id\": \"sess-42\"}'\n"), 0o755))

	r := newRunner(t, Options{Binary: script})
	reply, err := r.GenerateReply(context.Background(), "user@s.whatsapp.net", "Hello", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", reply)
	assert.Equal(t, "sess-42", r.SessionID("user@s.whatsapp.net"))
}

func TestStaleSessionRetriesWithoutResume(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "second-run")
	script := filepath.Join(dir, "flaky-claude")
	// First invocation fails with a session error, second succeeds.
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\n"+
			"if [ -f "+marker+" ]; then\n"+
			"  echo '{\"result\": \"Recovered\", \"session_id\": \"sess-new\"}'\n"+
			"else\n"+
			"  touch "+marker+"\n"+
			"  echo 'No conversation found with session ID' >&2\n"+
			"  exit 1\n"+
			"fi\n"), 0o755))

	r := newRunner(t, Options{Binary: script})
	r.storeSession("user@s.whatsapp.net", "sess-stale")

	reply, err := r.GenerateReply(context.Background(), "user@s.whatsapp.net", "Hello", "")
	require.NoError(t, err)
	assert.Equal(t, "Recovered", reply)
	assert.Equal(t, "sess-new", r.SessionID("user@s.whatsapp.net"))
}
