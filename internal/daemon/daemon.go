// Package daemon wires the reply pipeline: webhook in, pairing and
// rate-limit gates, session bookkeeping, engine call, chunked delivery
// back out through the bridge.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaborv/autoreply/internal/bridge"
	"github.com/gaborv/autoreply/internal/chunker"
	"github.com/gaborv/autoreply/internal/config"
	"github.com/gaborv/autoreply/internal/format"
	"github.com/gaborv/autoreply/internal/pairing"
	"github.com/gaborv/autoreply/internal/sessions"
)

// Version reported by the health endpoint.
const Version = "0.2.0"

// Sender delivers outbound messages. *bridge.Client satisfies it; tests
// substitute a recorder.
type Sender interface {
	SendMessage(ctx context.Context, recipient, message string) (bool, string)
	SendChunked(ctx context.Context, recipient string, chunks []string, delay time.Duration) []bridge.SendResult
	HealthCheck(ctx context.Context) bool
}

// Notifier is told about new pairing requests. The Telegram bot
// implements it.
type Notifier interface {
	NotifyPairingRequest(ctx context.Context, jid, name, code string)
}

// Daemon is the auto-reply HTTP daemon.
type Daemon struct {
	cfg      *config.Config
	pairing  *pairing.Store
	sessions *sessions.Manager
	engine   Engine
	chunker  *chunker.Chunker
	bridge   Sender
	notifier Notifier
	logger   *zap.Logger

	replyMu       sync.Mutex
	lastReplyTime map[string]time.Time

	locksMu     sync.Mutex
	senderLocks map[string]*sync.Mutex

	// wg tracks in-flight pipeline goroutines so tests can drain them.
	wg sync.WaitGroup
}

// Options bundle the daemon's collaborators.
type Options struct {
	Config   *config.Config
	Pairing  *pairing.Store
	Sessions *sessions.Manager
	Engine   Engine
	Bridge   Sender
	Notifier Notifier
	Logger   *zap.Logger
}

// New assembles a daemon from its parts.
func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:           opts.Config,
		pairing:       opts.Pairing,
		sessions:      opts.Sessions,
		engine:        opts.Engine,
		chunker:       chunker.New(opts.Config.Security.MaxMessageLength, 0),
		bridge:        opts.Bridge,
		notifier:      opts.Notifier,
		logger:        logger,
		lastReplyTime: make(map[string]time.Time),
		senderLocks:   make(map[string]*sync.Mutex),
	}
}

// Handler returns the daemon's HTTP mux.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/message", d.handleWebhook)
	mux.HandleFunc("GET /health", d.handleHealth)
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Daemon.Host, d.cfg.Daemon.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("daemon listening",
			zap.String("addr", addr),
			zap.String("engine", d.engine.Name()),
			zap.String("model", d.engine.Model()),
			zap.Bool("pairing_enabled", d.cfg.Pairing.Enabled))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		d.wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// RunEventStream consumes bridge websocket events and feeds them into
// the same pipeline as webhook posts.
func (d *Daemon) RunEventStream(ctx context.Context, stream *bridge.EventStream) error {
	go stream.Run(ctx)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return ctx.Err()
			}
			d.dispatch(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// contentPreview truncates content for log lines without splitting a
// rune.
func contentPreview(s string) string {
	if len(s) <= 50 {
		return s
	}
	cut := 50
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if secret := d.cfg.WebhookSecret; secret != "" {
		if r.Header.Get("X-Webhook-Secret") != secret {
			d.logger.Warn("invalid webhook secret")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
			return
		}
	}

	var ev bridge.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		d.logger.Error("webhook decode failed", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error",
			"detail": err.Error(),
		})
		return
	}

	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}

	d.logger.Info("webhook received",
		zap.String("message_id", ev.MessageID),
		zap.String("sender", ev.SenderJID),
		zap.String("content_preview", contentPreview(ev.Content)))

	d.dispatch(ev)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// dispatch runs the pipeline for one event in the background.
func (d *Daemon) dispatch(ev bridge.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.ProcessMessage(context.Background(), ev)
	}()
}

// Wait blocks until all in-flight messages finish processing.
func (d *Daemon) Wait() { d.wg.Wait() }

func (d *Daemon) senderLock(jid string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	mu, ok := d.senderLocks[jid]
	if !ok {
		mu = &sync.Mutex{}
		d.senderLocks[jid] = mu
	}
	return mu
}

func (d *Daemon) rateLimited(jid string) bool {
	limit := time.Duration(d.cfg.Security.RateLimitSeconds * float64(time.Second))
	if limit <= 0 {
		return false
	}
	d.replyMu.Lock()
	defer d.replyMu.Unlock()
	last, ok := d.lastReplyTime[jid]
	if !ok {
		return false
	}
	elapsed := time.Since(last)
	if elapsed < limit {
		d.logger.Info("rate limited",
			zap.String("sender", jid),
			zap.Duration("wait", limit-elapsed))
		return true
	}
	return false
}

func (d *Daemon) markReplied(jid string) {
	d.replyMu.Lock()
	d.lastReplyTime[jid] = time.Now()
	d.replyMu.Unlock()
}

func (d *Daemon) recipientAllowed(jid string) bool {
	allowed := d.cfg.Security.AllowedRecipients
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == jid {
			return true
		}
	}
	return false
}

// ProcessMessage runs the full pipeline for one incoming message.
func (d *Daemon) ProcessMessage(ctx context.Context, ev bridge.Event) {
	if ev.IsFromMe {
		return
	}
	if ev.IsGroup && d.cfg.Security.BlockGroups {
		d.logger.Info("group message blocked", zap.String("sender", ev.SenderJID))
		return
	}
	if ev.SenderJID == "" {
		return
	}
	if !d.recipientAllowed(ev.SenderJID) {
		d.logger.Info("sender not in allowlist", zap.String("sender", ev.SenderJID))
		return
	}
	if d.rateLimited(ev.SenderJID) {
		return
	}

	mu := d.senderLock(ev.SenderJID)
	mu.Lock()
	defer mu.Unlock()
	d.processLocked(ctx, ev)
}

func (d *Daemon) processLocked(ctx context.Context, ev bridge.Event) {
	if d.cfg.Pairing.Enabled {
		if done := d.pairingGate(ctx, ev); done {
			return
		}
	}

	content := ev.Content
	switch {
	case ev.MediaType != "" && content == "":
		content = fmt.Sprintf("[Sent a %s message]", ev.MediaType)
	case ev.MediaType != "":
		content = fmt.Sprintf("[Sent a %s] %s", ev.MediaType, content)
	}
	if content == "" {
		return
	}

	timestamp := ev.Timestamp
	if timestamp == "" {
		timestamp = time.Now().Format(time.RFC3339)
	}

	sessionKey := d.sessions.GetOrCreate(ev.SenderJID, ev.SenderName)
	if err := d.sessions.Append(sessionKey, sessions.Message{
		Role:       sessions.RoleUser,
		Content:    content,
		Timestamp:  timestamp,
		SenderJID:  ev.SenderJID,
		SenderName: ev.SenderName,
	}); err != nil {
		d.logger.Error("session append failed", zap.Error(err))
	}

	if summarizer, ok := d.engine.(Summarizer); ok && d.sessions.NeedsCompaction(sessionKey) {
		d.logger.Info("session needs compaction", zap.String("session_key", sessionKey))
		history, err := d.sessions.APIHistory(sessionKey)
		if err == nil {
			summary, err := summarizer.Summarize(ctx, history)
			if err == nil {
				if err := d.sessions.Compact(sessionKey, summary); err != nil {
					d.logger.Error("compaction failed", zap.Error(err))
				}
			}
		}
	}

	history, err := d.sessions.APIHistory(sessionKey)
	if err != nil {
		d.logger.Error("session history failed", zap.Error(err))
		return
	}

	reply, err := d.engine.Reply(ctx, ReplyRequest{
		SenderJID:  ev.SenderJID,
		SenderName: ev.SenderName,
		Message:    content,
		History:    history,
	})
	if err != nil {
		// Engines return a usable fallback text alongside the error.
		d.logger.Error("reply generation degraded",
			zap.String("sender", ev.SenderJID),
			zap.Error(err))
	}
	if reply == "" {
		return
	}

	reply = format.ToPlainText(reply)
	chunks := d.chunker.Chunk(reply)
	results := d.bridge.SendChunked(ctx, ev.SenderJID, chunks, 500*time.Millisecond)

	anySuccess := false
	for _, res := range results {
		if res.Success {
			anySuccess = true
			break
		}
	}

	if anySuccess {
		if err := d.sessions.Append(sessionKey, sessions.Message{
			Role:      sessions.RoleAssistant,
			Content:   reply,
			Timestamp: time.Now().Format(time.RFC3339),
		}); err != nil {
			d.logger.Error("session append failed", zap.Error(err))
		}
	}

	d.markReplied(ev.SenderJID)

	d.logger.Info("reply sent",
		zap.String("sender", ev.SenderJID),
		zap.Int("chunks", len(chunks)),
		zap.Int("reply_length", len(reply)),
		zap.Bool("success", anySuccess))
}

// pairingGate enforces the pairing state machine. It returns true when
// the message was fully handled here.
func (d *Daemon) pairingGate(ctx context.Context, ev bridge.Event) bool {
	status, err := d.pairing.CheckAccess(ev.SenderJID)
	if err != nil {
		d.logger.Error("pairing check failed", zap.Error(err))
		return true
	}

	switch status {
	case pairing.StatusApproved:
		return false

	case pairing.StatusBlocked:
		d.logger.Info("blocked sender ignored", zap.String("sender", ev.SenderJID))
		return true

	case pairing.StatusUnknown:
		code, err := d.pairing.GeneratePairingCode(ev.SenderJID, ev.SenderName)
		if err != nil {
			d.logger.Error("pairing code generation failed", zap.Error(err))
			return true
		}
		msg := fmt.Sprintf(
			"Hi! This is an automated assistant.\n\n"+
				"To start chatting, you need approval.\n"+
				"Your pairing code: %s\n\n"+
				"Please share this code with the account owner.\n"+
				"This code expires in %d minutes.",
			code, d.cfg.Pairing.CodeExpiryMinutes)
		d.bridge.SendMessage(ctx, ev.SenderJID, msg)
		if d.notifier != nil {
			d.notifier.NotifyPairingRequest(ctx, ev.SenderJID, ev.SenderName, code)
		}
		d.markReplied(ev.SenderJID)
		return true

	case pairing.StatusPending:
		d.bridge.SendMessage(ctx, ev.SenderJID,
			"Your pairing request is still pending approval. "+
				"Please wait for the account owner to approve your code.")
		d.markReplied(ev.SenderJID)
		return true
	}
	return true
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	bridgeOK := d.bridge.HealthCheck(r.Context())
	status := "ok"
	if !bridgeOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          Version,
		"bridge_connected": bridgeOK,
		"engine":           d.engine.Name(),
		"model":            d.engine.Model(),
		"pairing_enabled":  d.cfg.Pairing.Enabled,
		"active_sessions":  len(d.sessions.All()),
	})
}
