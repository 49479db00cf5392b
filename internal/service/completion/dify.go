package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dify-chat/backend/pkg/eventstream"
)

const (
	responseModeBlocking  = "blocking"
	responseModeStreaming = "streaming"

	maxErrorBody = 64 << 10
)

// Stream event names sent by the backend.
const (
	eventMessage      = "message"
	eventAgentMessage = "agent_message"
	eventMessageEnd   = "message_end"
	eventError        = "error"
)

// DifyClient implements Client for the Dify chat-messages API.
type DifyClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// DifyOption configures a DifyClient.
type DifyOption func(*DifyClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) DifyOption {
	return func(c *DifyClient) {
		c.httpClient = client
	}
}

// WithLogger replaces the global logger.
func WithLogger(logger zerolog.Logger) DifyOption {
	return func(c *DifyClient) {
		c.logger = logger
	}
}

// NewDifyClient returns a client posting to endpoint with the given API key.
func NewDifyClient(endpoint, apiKey string, opts ...DifyOption) *DifyClient {
	c := &DifyClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     log.With().Str("component", "dify").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type difyRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
	Files          []any          `json:"files"`
}

type blockingResponse struct {
	Answer *string `json:"answer"`
}

type streamPayload struct {
	Event   string `json:"event"`
	Answer  string `json:"answer"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Complete sends req in blocking mode and returns the answer.
func (c *DifyClient) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.post(ctx, req, responseModeBlocking)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body blockingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrapf(ErrMalformed, "decode answer: %v", err)
	}
	if body.Answer == nil {
		return NoResponse, nil
	}
	return *body.Answer, nil
}

// Stream sends req in streaming mode. Fragments are pushed to the returned
// reader while the body is read; cancelling ctx stops the read between lines.
func (c *DifyClient) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	resp, err := c.post(ctx, req, responseModeStreaming)
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go c.pump(ctx, resp.Body, sw)
	return sr, nil
}

func (c *DifyClient) pump(ctx context.Context, body io.ReadCloser, sw *schema.StreamWriter[*schema.Message]) {
	defer sw.Close()
	defer body.Close()

	decoder := eventstream.NewDecoder(body, eventstream.WithLineEvents())
	for {
		if err := ctx.Err(); err != nil {
			sw.Send(nil, err)
			return
		}

		ev, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			sw.Send(nil, ErrIncompleteStream)
			return
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				sw.Send(nil, ctxErr)
				return
			}
			sw.Send(nil, errors.Wrapf(ErrTransport, "read stream: %v", err))
			return
		}

		var payload streamPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			c.logger.Warn().Err(err).Str("data", truncate(string(ev.Data), 200)).Msg("skipping malformed stream event")
			continue
		}

		switch payload.Event {
		case eventMessage, eventAgentMessage:
			if payload.Answer == "" {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(payload.Answer, nil), nil); closed {
				return
			}
		case eventMessageEnd:
			return
		case eventError:
			sw.Send(nil, &StreamError{Status: payload.Status, Code: payload.Code, Message: payload.Message})
			return
		default:
			c.logger.Debug().Str("event", payload.Event).Msg("ignoring stream event")
		}
	}
}

func (c *DifyClient) post(ctx context.Context, req Request, mode string) (*http.Response, error) {
	payload, err := json.Marshal(difyRequest{
		Inputs:         map[string]any{},
		Query:          req.Prompt,
		ResponseMode:   mode,
		ConversationID: req.ConversationID,
		User:           req.UserID,
		Files:          []any{},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create completion request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if mode == responseModeStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrapf(ErrTransport, "post %s: %v", c.endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn().Int("status", resp.StatusCode).Str("mode", mode).Msg("completion request rejected")
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
