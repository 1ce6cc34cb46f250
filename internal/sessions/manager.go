// Package sessions manages per-sender conversation history as JSONL
// transcripts with a metadata index, idle reset, and context compaction.
package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message roles and system record types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	TypeCompaction = "compaction"
	TypeReset      = "reset"
)

// Message is a single transcript record.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	SenderJID  string `json:"sender_jid,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Type       string `json:"type,omitempty"`
}

// APIMessage is the role/content pair sent to the model API.
type APIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metadata tracks a session's bookkeeping state.
type Metadata struct {
	SessionKey      string `json:"session_key"`
	LastActivity    string `json:"last_activity"`
	MessageCount    int    `json:"message_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
	CreatedAt       string `json:"created_at"`
	SenderName      string `json:"sender_name"`
}

// Options configure the session manager.
type Options struct {
	IdleReset        time.Duration
	MaxHistoryTokens int
}

// Manager stores transcripts under a storage directory, one JSONL file per
// session plus a metadata.json index.
type Manager struct {
	storageDir       string
	idleReset        time.Duration
	maxHistoryTokens int
	logger           *zap.Logger

	mu       sync.Mutex
	metadata map[string]*Metadata
}

// NewManager creates the storage directory and loads the metadata index.
func NewManager(storageDir string, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.MaxHistoryTokens <= 0 {
		opts.MaxHistoryTokens = 50000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session storage: %w", err)
	}

	m := &Manager{
		storageDir:       storageDir,
		idleReset:        opts.IdleReset,
		maxHistoryTokens: opts.MaxHistoryTokens,
		logger:           logger,
		metadata:         make(map[string]*Metadata),
	}
	if err := m.loadMetadata(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) metadataPath() string {
	return filepath.Join(m.storageDir, "metadata.json")
}

func (m *Manager) sessionPath(key string) string {
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(key)
	return filepath.Join(m.storageDir, safe+".jsonl")
}

func (m *Manager) loadMetadata() error {
	data, err := os.ReadFile(m.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m.metadata); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}
	return nil
}

// saveMetadataLocked writes the index; callers hold m.mu.
func (m *Manager) saveMetadataLocked() {
	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		m.logger.Error("marshal session metadata", zap.Error(err))
		return
	}
	if err := os.WriteFile(m.metadataPath(), data, 0o644); err != nil {
		m.logger.Error("write session metadata", zap.Error(err))
	}
}

func estimateTokens(text string) int {
	return len(text) / 4
}

// KeyForJID returns the session key for a sender JID.
func KeyForJID(jid string) string {
	return "whatsapp:" + jid
}

// GetOrCreate returns the session key for a sender, resetting the session
// first when it has been idle past the configured window.
func (m *Manager) GetOrCreate(jid, senderName string) string {
	key := KeyForJID(jid)

	m.mu.Lock()
	meta, ok := m.metadata[key]
	var lastActivity string
	if ok {
		lastActivity = meta.LastActivity
	}
	m.mu.Unlock()

	if ok {
		last, err := time.Parse(time.RFC3339, lastActivity)
		if err == nil && m.idleReset > 0 && time.Since(last) > m.idleReset {
			m.logger.Info("session idle reset",
				zap.String("session_key", key),
				zap.Float64("idle_minutes", time.Since(last).Minutes()))
			m.Reset(key, "idle timeout")
			return m.create(key, senderName)
		}
		return key
	}
	return m.create(key, senderName)
}

func (m *Manager) create(key, senderName string) string {
	now := time.Now().Format(time.RFC3339)

	m.mu.Lock()
	m.metadata[key] = &Metadata{
		SessionKey:   key,
		LastActivity: now,
		CreatedAt:    now,
		SenderName:   senderName,
	}
	m.saveMetadataLocked()
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_key", key),
		zap.String("sender_name", senderName))
	return key
}

// Append adds a message to the transcript and updates the index.
func (m *Manager) Append(key string, msg Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(m.sessionPath(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}

	m.mu.Lock()
	if meta, ok := m.metadata[key]; ok {
		meta.MessageCount++
		meta.EstimatedTokens += estimateTokens(msg.Content)
		if msg.Timestamp != "" {
			meta.LastActivity = msg.Timestamp
		} else {
			meta.LastActivity = time.Now().Format(time.RFC3339)
		}
		if msg.SenderName != "" {
			meta.SenderName = msg.SenderName
		}
		m.saveMetadataLocked()
	}
	m.mu.Unlock()
	return nil
}

// History returns every transcript record for a session.
func (m *Manager) History(key string) ([]Message, error) {
	f, err := os.Open(m.sessionPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("parse transcript line: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, scanner.Err()
}

// APIHistory converts the transcript into role/content pairs for the model.
// Compaction summaries are folded in as bracketed user context; other system
// records are excluded.
func (m *Manager) APIHistory(key string) ([]APIMessage, error) {
	history, err := m.History(key)
	if err != nil {
		return nil, err
	}

	var messages []APIMessage
	for _, msg := range history {
		switch {
		case msg.Role == RoleUser || msg.Role == RoleAssistant:
			messages = append(messages, APIMessage{Role: msg.Role, Content: msg.Content})
		case msg.Role == RoleSystem && msg.Type == TypeCompaction:
			messages = append(messages, APIMessage{
				Role:    RoleUser,
				Content: "[Previous conversation summary: " + msg.Content + "]",
			})
		}
	}
	return messages, nil
}

// NeedsCompaction reports whether the session history has outgrown the token
// budget.
func (m *Manager) NeedsCompaction(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metadata[key]
	return ok && meta.EstimatedTokens > m.maxHistoryTokens
}

// Compact replaces the transcript with a single summary record.
func (m *Manager) Compact(key, summary string) error {
	record := Message{
		Role:      RoleSystem,
		Content:   summary,
		Timestamp: time.Now().Format(time.RFC3339),
		Type:      TypeCompaction,
	}
	if err := m.rewrite(key, record); err != nil {
		return err
	}

	m.mu.Lock()
	if meta, ok := m.metadata[key]; ok {
		meta.MessageCount = 1
		meta.EstimatedTokens = estimateTokens(summary)
		m.saveMetadataLocked()
	}
	m.mu.Unlock()

	m.logger.Info("session compacted",
		zap.String("session_key", key),
		zap.Int("summary_tokens", estimateTokens(summary)))
	return nil
}

// Reset clears a session, leaving a reset marker in the transcript.
func (m *Manager) Reset(key, reason string) {
	if _, err := os.Stat(m.sessionPath(key)); err == nil {
		record := Message{
			Role:      RoleSystem,
			Content:   "Session reset: " + reason,
			Timestamp: time.Now().Format(time.RFC3339),
			Type:      TypeReset,
		}
		if err := m.rewrite(key, record); err != nil {
			m.logger.Error("rewrite transcript on reset", zap.Error(err))
		}
	}

	m.mu.Lock()
	if _, ok := m.metadata[key]; ok {
		delete(m.metadata, key)
		m.saveMetadataLocked()
	}
	m.mu.Unlock()

	m.logger.Info("session reset",
		zap.String("session_key", key),
		zap.String("reason", reason))
}

func (m *Manager) rewrite(key string, record Message) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.WriteFile(m.sessionPath(key), append(line, '\n'), 0o644); err != nil {
		return fmt.Errorf("rewrite transcript: %w", err)
	}
	return nil
}

// All returns a snapshot of every session's metadata.
func (m *Manager) All() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metadata, 0, len(m.metadata))
	for _, meta := range m.metadata {
		out = append(out, *meta)
	}
	return out
}

// Get returns the metadata for a session key.
func (m *Manager) Get(key string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metadata[key]
	if !ok {
		return Metadata{}, false
	}
	return *meta, true
}
