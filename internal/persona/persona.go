// Package persona loads the assistant persona document and builds the
// system prompt for reply generation. The persona file hot-reloads on
// change; when no file exists the embedded default applies.
package persona

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

//go:embed PERSONA.md
var defaultPersona string

// Loader serves the current persona text.
type Loader struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current string

	watcher *fsnotify.Watcher
}

// NewLoader reads the persona file at path, falling back to the embedded
// default when the file does not exist.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		path:    path,
		logger:  logger,
		current: strings.TrimSpace(defaultPersona),
	}
	l.reload()
	return l
}

// Current returns the active persona text.
func (l *Loader) Current() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Loader) reload() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("persona file missing, using embedded default",
				zap.String("path", l.path))
		} else {
			l.logger.Error("read persona file", zap.Error(err))
		}
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		l.logger.Warn("persona file empty, keeping previous persona",
			zap.String("path", l.path))
		return
	}

	l.mu.Lock()
	l.current = text
	l.mu.Unlock()
	l.logger.Info("persona loaded",
		zap.String("path", l.path),
		zap.Int("length", len(text)))
}

// Watch hot-reloads the persona when the file changes. It returns
// immediately; reloads happen on a background goroutine until the watcher
// is closed via Close.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	l.watcher = watcher

	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		l.watcher = nil
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != l.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					l.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("persona watcher", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the file watcher.
func (l *Loader) Close() {
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// SystemPrompt assembles the system prompt for a reply: persona text, the
// sender context, and the WhatsApp delivery appendix.
func SystemPrompt(personaText, senderName string) string {
	var b strings.Builder
	b.WriteString(personaText)

	if senderName != "" {
		b.WriteString("\n\nYou are currently chatting with ")
		b.WriteString(senderName)
		b.WriteString(" on WhatsApp.")
	} else {
		b.WriteString("\n\nYou are chatting on WhatsApp.")
	}

	b.WriteString("\n\nKeep responses conversational and concise - this is WhatsApp, not email. " +
		"Avoid markdown formatting (no **, ##, backticks) since WhatsApp doesn't render it. " +
		"Reply in the language of the last incoming message: English or German, " +
		"falling back to English for anything else.")
	return b.String()
}
