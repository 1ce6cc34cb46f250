// Package runner spawns Claude Code CLI sessions to generate replies. Each
// sender keeps a persistent CLI session via --resume; tool access is limited
// to read-only lookups.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAllowedTools lists tools that are safe for a WhatsApp assistant:
// read-only search, documentation, repository, and database lookups.
var DefaultAllowedTools = []string{
	"Read",
	"Grep",
	"Glob",
	"WebSearch",
	"WebFetch",
	"mcp__perplexity__perplexity_ask",
	"mcp__perplexity__perplexity_search",
	"mcp__perplexity__perplexity_research",
	"mcp__perplexity__perplexity_reason",
	"mcp__mcp-deepwiki__deepwiki_fetch",
	"mcp__supabase__execute_sql",
	"mcp__supabase__search_docs",
	"mcp__supabase__list_tables",
	"mcp__supabase__list_projects",
	"mcp__github__get_file_contents",
	"mcp__github__get_issue",
	"mcp__github__get_pull_request",
	"mcp__github__search_code",
	"mcp__github__search_repositories",
	"mcp__github__search_issues",
	"mcp__github__list_issues",
	"mcp__github__list_commits",
	"mcp__github__list_pull_requests",
}

// DefaultDisallowedTools blocks every write or execute path from WhatsApp.
var DefaultDisallowedTools = []string{
	"Bash",
	"Edit",
	"Write",
	"NotebookEdit",
	"Task",
	"mcp__slack__*",
	"mcp__puppeteer__*",
	"mcp__chrome-devtools__*",
	"mcp__github__create_*",
	"mcp__github__push_*",
	"mcp__github__merge_*",
	"mcp__github__fork_*",
	"mcp__github__update_*",
	"mcp__github__add_*",
	"mcp__supabase__apply_migration",
	"mcp__supabase__create_*",
	"mcp__supabase__delete_*",
	"mcp__supabase__pause_*",
	"mcp__supabase__restore_*",
	"mcp__supabase__deploy_*",
	"mcp__supabase__merge_*",
	"mcp__supabase__reset_*",
	"mcp__supabase__rebase_*",
}

// Fallback replies for CLI failures.
const (
	replyExitError = "I'm having trouble processing your message right now. Please try again."
	replyTimeout   = "Sorry, I took too long thinking about that. Please try a simpler question."
	replyBadOutput = "I had trouble processing my response. Please try again."
	replyUnknown   = "Something went wrong. Please try again later."
)

// Options configure the CLI runner.
type Options struct {
	WorkspaceDir    string
	Model           string
	MaxTurns        int
	Timeout         time.Duration
	AllowedTools    []string
	DisallowedTools []string
	MCPConfig       string
	// Binary overrides the claude executable path; used by tests.
	Binary string
}

// Runner is a reply engine backed by the Claude Code CLI.
type Runner struct {
	workspaceDir    string
	model           string
	maxTurns        int
	timeout         time.Duration
	allowedTools    []string
	disallowedTools []string
	mcpConfig       string
	binary          string
	logger          *zap.Logger

	mu          sync.Mutex
	sessionMap  map[string]string
	sessionPath string
}

// New creates a CLI runner and loads the persisted sender->session map.
func New(opts Options, logger *zap.Logger) (*Runner, error) {
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = "workspace"
	}
	abs, err := filepath.Abs(opts.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5-20250929"
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.AllowedTools == nil {
		opts.AllowedTools = DefaultAllowedTools
	}
	if opts.DisallowedTools == nil {
		opts.DisallowedTools = DefaultDisallowedTools
	}
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		workspaceDir:    abs,
		model:           opts.Model,
		maxTurns:        opts.MaxTurns,
		timeout:         opts.Timeout,
		allowedTools:    opts.AllowedTools,
		disallowedTools: opts.DisallowedTools,
		mcpConfig:       opts.MCPConfig,
		binary:          opts.Binary,
		logger:          logger,
		sessionMap:      make(map[string]string),
		sessionPath:     filepath.Join(abs, ".session_map.json"),
	}
	r.loadSessionMap()
	return r, nil
}

// Name identifies the engine in health output.
func (r *Runner) Name() string { return "cli" }

// Model returns the configured model ID.
func (r *Runner) Model() string { return r.model }

func (r *Runner) loadSessionMap() {
	data, err := os.ReadFile(r.sessionPath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &r.sessionMap); err != nil {
		r.logger.Warn("corrupt session map, starting fresh", zap.Error(err))
		r.sessionMap = make(map[string]string)
		return
	}
	r.logger.Info("session map loaded", zap.Int("count", len(r.sessionMap)))
}

// saveSessionMapLocked writes the map; callers hold r.mu.
func (r *Runner) saveSessionMapLocked() {
	data, err := json.MarshalIndent(r.sessionMap, "", "  ")
	if err != nil {
		r.logger.Error("marshal session map", zap.Error(err))
		return
	}
	if err := os.WriteFile(r.sessionPath, data, 0o644); err != nil {
		r.logger.Error("write session map", zap.Error(err))
	}
}

// SessionID returns the stored CLI session for a sender.
func (r *Runner) SessionID(senderJID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionMap[senderJID]
}

// ClearSession drops the stored CLI session for a sender.
func (r *Runner) ClearSession(senderJID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessionMap[senderJID]; ok {
		delete(r.sessionMap, senderJID)
		r.saveSessionMapLocked()
		r.logger.Info("session cleared", zap.String("sender", senderJID))
	}
}

func (r *Runner) storeSession(senderJID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionMap[senderJID] = sessionID
	r.saveSessionMapLocked()
}

// buildArgs assembles the CLI invocation for a sender.
func (r *Runner) buildArgs(sessionID, senderName string) []string {
	args := []string{
		"-p",
		"--output-format", "json",
		"--model", r.model,
		"--max-turns", fmt.Sprintf("%d", r.maxTurns),
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if len(r.allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.allowedTools, ","))
	}
	if len(r.disallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(r.disallowedTools, ","))
	}
	if r.mcpConfig != "" {
		args = append(args, "--mcp-config", r.mcpConfig)
	}

	who := senderName
	if who == "" {
		who = "someone"
	}
	args = append(args, "--append-system-prompt",
		fmt.Sprintf("You are chatting with %s on WhatsApp. "+
			"Keep your response concise and conversational. "+
			"No markdown formatting.", who))
	return args
}

type cliResult struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// GenerateReply runs the CLI for one message. Failures map to fixed
// apologetic replies; the error return is for logging only.
func (r *Runner) GenerateReply(ctx context.Context, senderJID, message, senderName string) (string, error) {
	return r.generate(ctx, senderJID, message, senderName, true)
}

func (r *Runner) generate(ctx context.Context, senderJID, message, senderName string, allowRetry bool) (string, error) {
	sessionID := r.SessionID(senderJID)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binary, r.buildArgs(sessionID, senderName)...)
	cmd.Dir = r.workspaceDir
	cmd.Stdin = strings.NewReader(message)

	r.logger.Info("claude spawning",
		zap.String("sender", senderJID),
		zap.String("session_id", orNew(sessionID)),
		zap.String("model", r.model),
		zap.Int("max_turns", r.maxTurns))

	stdout, err := cmd.Output()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.logger.Error("claude timeout",
				zap.String("sender", senderJID),
				zap.Duration("timeout", r.timeout))
			return replyTimeout, runCtx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderrText := string(exitErr.Stderr)
			if len(stderrText) > 500 {
				stderrText = stderrText[:500]
			}
			r.logger.Error("claude exit error",
				zap.Int("returncode", exitErr.ExitCode()),
				zap.String("stderr", stderrText),
				zap.String("sender", senderJID))

			// A stale --resume session is recoverable: drop it and retry once.
			if allowRetry && sessionID != "" && strings.Contains(strings.ToLower(stderrText), "session") {
				r.logger.Info("claude retrying without resume", zap.String("sender", senderJID))
				r.ClearSession(senderJID)
				return r.generate(ctx, senderJID, message, senderName, false)
			}
			return replyExitError, err
		}

		r.logger.Error("claude unexpected error",
			zap.Error(err),
			zap.String("sender", senderJID))
		return replyUnknown, err
	}

	var result cliResult
	if err := json.Unmarshal(stdout, &result); err != nil {
		preview := string(stdout)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		r.logger.Error("claude json parse error",
			zap.Error(err),
			zap.String("sender", senderJID),
			zap.String("stdout_preview", preview))
		return replyBadOutput, err
	}

	if result.SessionID != "" {
		r.storeSession(senderJID, result.SessionID)
		r.logger.Info("claude session stored",
			zap.String("sender", senderJID),
			zap.String("session_id", result.SessionID))
	}

	r.logger.Info("claude reply generated",
		zap.String("sender", senderJID),
		zap.Int("reply_length", len(result.Result)))
	return result.Result, nil
}

func orNew(sessionID string) string {
	if sessionID == "" {
		return "new"
	}
	return sessionID
}
