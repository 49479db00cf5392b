// Package controller runs chat exchanges: it records the user's prompt,
// asks the completion backend for an answer, renders progress to a View and
// records the finished assistant turn.
package controller

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	model "github.com/zhouzirui/dify-chat/backend/internal/model/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/service/auth"
	"github.com/zhouzirui/dify-chat/backend/internal/service/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/service/completion"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrUnavailable = errors.New("completion backend not configured")
)

// Mode selects how the answer is fetched.
type Mode string

const (
	ModeDefault   Mode = ""
	ModeBlocking  Mode = "blocking"
	ModeStreaming Mode = "streaming"
)

// ParseMode validates a client supplied mode.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDefault:
		return ModeDefault, true
	case ModeBlocking:
		return ModeBlocking, true
	case ModeStreaming:
		return ModeStreaming, true
	}
	return ModeDefault, false
}

// View is what the controller renders to. Implementations write to one
// connected client.
type View interface {
	// RenderMessage shows a completed turn.
	RenderMessage(turn model.Turn) error
	// RenderPartial replaces the in-progress assistant message with text.
	RenderPartial(text string) error
	// RenderError shows a message for a failed operation.
	RenderError(message string) error
	// RenderDone marks the end of one exchange.
	RenderDone() error
}

// Options configure a Controller.
type Options struct {
	// Streaming is the mode used when a submission does not pick one.
	Streaming bool
	// Timeout bounds one remote call, zero means no bound.
	Timeout time.Duration
}

// Submission is one prompt entered by the user.
type Submission struct {
	Prompt string
	Mode   Mode
}

// Controller orchestrates chat exchanges for sessions.
type Controller struct {
	client completion.Client
	opts   Options
}

// New returns a controller using client. A nil client makes every
// submission fail with ErrUnavailable after the user turn is recorded.
func New(client completion.Client, opts Options) *Controller {
	return &Controller{client: client, opts: opts}
}

// Replay renders the whole transcript in insertion order. It never changes
// the session.
func (c *Controller) Replay(sess *chat.Session, view View) error {
	for _, turn := range sess.Transcript() {
		if err := view.RenderMessage(turn); err != nil {
			return err
		}
	}
	return nil
}

// Submit runs one exchange. Every error is rendered to view before it is
// returned; on error no assistant turn is recorded.
func (c *Controller) Submit(ctx context.Context, sess *chat.Session, sub Submission, view View) (model.Turn, error) {
	defer c.render(sess, "done", view.RenderDone)

	if strings.TrimSpace(sub.Prompt) == "" {
		c.fail(sess, view, ErrEmptyPrompt, "Please enter a message.")
		return model.Turn{}, ErrEmptyPrompt
	}

	end := sess.BeginEvent()
	defer end()

	identity, ok := sess.User()
	if !ok {
		c.fail(sess, view, auth.ErrNotAuthenticated, auth.Describe(auth.ErrNotAuthenticated))
		return model.Turn{}, auth.ErrNotAuthenticated
	}
	sess.Touch(time.Now().UTC())

	userTurn := model.UserTurn(sub.Prompt)
	sess.Append(userTurn)
	c.render(sess, "user turn", func() error { return view.RenderMessage(userTurn) })

	if c.client == nil {
		c.fail(sess, view, ErrUnavailable, "The assistant is not configured.")
		return model.Turn{}, ErrUnavailable
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req := completion.Request{
		Prompt:    sub.Prompt,
		UserID:    identity.ID,
		Streaming: c.streaming(sub.Mode),
	}

	var (
		answer string
		err    error
	)
	if req.Streaming {
		answer, err = c.stream(ctx, sess, req, view)
	} else {
		answer, err = c.client.Complete(ctx, req)
	}
	if err != nil {
		c.fail(sess, view, err, completion.Describe(err))
		return model.Turn{}, err
	}

	assistantTurn := model.AssistantTurn(answer)
	sess.Append(assistantTurn)
	c.render(sess, "assistant turn", func() error { return view.RenderMessage(assistantTurn) })

	log.Info().Str("session", sess.ID).Str("user", identity.ID).Bool("streaming", req.Streaming).
		Int("length", len(answer)).Msg("exchange completed")
	return assistantTurn, nil
}

func (c *Controller) streaming(mode Mode) bool {
	switch mode {
	case ModeBlocking:
		return false
	case ModeStreaming:
		return true
	default:
		return c.opts.Streaming
	}
}

// stream reads fragments until the backend ends the message. Only the view
// sees partial text; the transcript is updated by the caller once.
func (c *Controller) stream(ctx context.Context, sess *chat.Session, req completion.Request, view View) (string, error) {
	sr, err := c.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer sr.Close()

	var buffer strings.Builder
	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := sr.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		chunks = append(chunks, chunk)
		buffer.WriteString(chunk.Content)
		c.render(sess, "partial", func() error { return view.RenderPartial(buffer.String()) })
	}

	if len(chunks) == 0 {
		return "", nil
	}
	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return buffer.String(), nil
	}
	return merged.Content, nil
}

func (c *Controller) fail(sess *chat.Session, view View, err error, message string) {
	log.Warn().Err(err).Str("session", sess.ID).Msg("exchange failed")
	c.render(sess, "error", func() error { return view.RenderError(message) })
}

func (c *Controller) render(sess *chat.Session, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Debug().Err(err).Str("session", sess.ID).Str("render", what).Msg("render failed")
	}
}
