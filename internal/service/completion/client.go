// Package completion talks to the remote conversational-AI endpoint.
package completion

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// NoResponse is returned by Complete when the backend answer has no answer
// field.
const NoResponse = "No response"

// Request is one prompt sent to the completion backend.
type Request struct {
	Prompt         string
	UserID         string
	ConversationID string
	Streaming      bool
}

// Client is a completion backend.
//
// Complete returns a single answer. Stream returns assistant fragments in
// arrival order; the reader ends with io.EOF once the backend signals the end
// of the message, or with an error otherwise. Callers must Close the reader.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error)
}
