package daemon

import (
	"context"

	"github.com/gaborv/autoreply/internal/llm"
	"github.com/gaborv/autoreply/internal/runner"
	"github.com/gaborv/autoreply/internal/sessions"
)

// ReplyRequest carries everything an engine might need for one reply.
// The API engine reads History; the CLI engine keeps its own context
// per sender and reads Message.
type ReplyRequest struct {
	SenderJID  string
	SenderName string
	Message    string
	History    []sessions.APIMessage
}

// Engine produces one reply per incoming message.
type Engine interface {
	Name() string
	Model() string
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// Summarizer is implemented by engines that can compact a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, history []sessions.APIMessage) (string, error)
}

type apiEngine struct {
	client *llm.Client
}

// NewAPIEngine wraps the Anthropic API client as a reply engine.
func NewAPIEngine(client *llm.Client) Engine {
	return &apiEngine{client: client}
}

func (e *apiEngine) Name() string  { return e.client.Name() }
func (e *apiEngine) Model() string { return e.client.Model() }

func (e *apiEngine) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	return e.client.GenerateReply(ctx, req.History, req.SenderName)
}

func (e *apiEngine) Summarize(ctx context.Context, history []sessions.APIMessage) (string, error) {
	return e.client.Summarize(ctx, history)
}

type cliEngine struct {
	runner *runner.Runner
}

// NewCLIEngine wraps the Claude CLI runner as a reply engine.
func NewCLIEngine(r *runner.Runner) Engine {
	return &cliEngine{runner: r}
}

func (e *cliEngine) Name() string  { return e.runner.Name() }
func (e *cliEngine) Model() string { return e.runner.Model() }

func (e *cliEngine) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	return e.runner.GenerateReply(ctx, req.SenderJID, req.Message, req.SenderName)
}
