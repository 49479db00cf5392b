package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, sr *schema.StreamReader[*schema.Message]) ([]string, error) {
	t.Helper()
	defer sr.Close()
	var fragments []string
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return fragments, nil
		}
		if err != nil {
			return fragments, err
		}
		fragments = append(fragments, chunk.Content)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestCompleteUsesConfiguredHTTPClient(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		_, _ = w.Write([]byte(`{"answer":"via custom client"}`))
	})

	calls := 0
	httpClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return http.DefaultTransport.RoundTrip(r)
	})}

	answer, err := NewDifyClient(srv.URL, "test-key", WithHTTPClient(httpClient)).Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "via custom client", answer)
	require.Equal(t, 1, calls)
}

func TestCompleteSendsBlockingRequest(t *testing.T) {
	var got map[string]any
	srv := newTestServer(t, func(w http.ResponseWriter, body map[string]any) {
		got = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"X","conversation_id":"c1"}`))
	})

	client := NewDifyClient(srv.URL, "test-key")
	answer, err := client.Complete(context.Background(), Request{Prompt: "hi", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, "X", answer)

	require.Equal(t, "hi", got["query"])
	require.Equal(t, "blocking", got["response_mode"])
	require.Equal(t, "", got["conversation_id"])
	require.Equal(t, "user-1", got["user"])
	require.Equal(t, map[string]any{}, got["inputs"])
	require.Equal(t, []any{}, got["files"])
}

func TestCompleteMissingAnswerUsesSentinel(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		_, _ = w.Write([]byte(`{"message_id":"m1"}`))
	})

	answer, err := NewDifyClient(srv.URL, "test-key").Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, NoResponse, answer)
}

func TestCompleteHTTPError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal_error","message":"boom"}`))
	})

	answer, err := NewDifyClient(srv.URL, "test-key").Complete(context.Background(), Request{Prompt: "hi"})
	require.Empty(t, answer)
	require.ErrorIs(t, err, ErrHTTPStatus)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "boom")
	require.Contains(t, Describe(err), "500")
}

func TestCompleteMalformedBody(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := NewDifyClient(srv.URL, "test-key").Complete(context.Background(), Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestCompleteTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewDifyClient(url, "test-key").Complete(context.Background(), Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrTransport)
}

func TestStreamAccumulatesFragments(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, body map[string]any) {
		require.Equal(t, "streaming", body["response_mode"])
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data:{\"event\":\"message\",\"answer\":\"Hel\"}\n")
		fmt.Fprint(w, "data:{\"event\":\"message\",\"answer\":\"lo\"}\n")
		fmt.Fprint(w, "data:{\"event\":\"message_end\"}\n")
	})

	sr, err := NewDifyClient(srv.URL, "test-key").Stream(context.Background(), Request{Prompt: "hi", Streaming: true})
	require.NoError(t, err)

	fragments, err := drain(t, sr)
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo"}, fragments)
}

func TestStreamSkipsMalformedAndForeignLines(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		fmt.Fprint(w, "event: ping\n\n")
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"workflow_started\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"agent_message\",\"answer\":\"ok\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message_end\"}\n\n")
	})

	sr, err := NewDifyClient(srv.URL, "test-key").Stream(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)

	fragments, err := drain(t, sr)
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, fragments)
}

func TestStreamHTTPErrorBeforeRead(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`invalid user`))
	})

	sr, err := NewDifyClient(srv.URL, "test-key").Stream(context.Background(), Request{Prompt: "hi"})
	require.Nil(t, sr)
	require.ErrorIs(t, err, ErrHTTPStatus)
}

func TestStreamErrorEvent(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"par\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"error\",\"status\":400,\"code\":\"quota\",\"message\":\"quota exceeded\"}\n\n")
	})

	sr, err := NewDifyClient(srv.URL, "test-key").Stream(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)

	fragments, err := drain(t, sr)
	require.Equal(t, []string{"par"}, fragments)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, "quota", streamErr.Code)
	require.Contains(t, Describe(err), "quota exceeded")
}

func TestStreamEndsWithoutMessageEnd(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"cut\"}\n\n")
	})

	sr, err := NewDifyClient(srv.URL, "test-key").Stream(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)

	_, err = drain(t, sr)
	require.ErrorIs(t, err, ErrIncompleteStream)
}

func TestStreamHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(w http.ResponseWriter, _ map[string]any) {
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	sr, err := NewDifyClient(srv.URL, "test-key").Stream(ctx, Request{Prompt: "hi"})
	require.NoError(t, err)
	defer sr.Close()

	chunk, err := sr.Recv()
	require.NoError(t, err)
	require.Equal(t, "first", chunk.Content)

	cancel()
	_, err = sr.Recv()
	require.ErrorIs(t, err, context.Canceled)
}

func TestDescribeMessages(t *testing.T) {
	require.Empty(t, Describe(nil))
	require.Contains(t, Describe(context.DeadlineExceeded), "in time")
	require.Contains(t, Describe(ErrTransport), "could not be reached")
	require.True(t, strings.HasPrefix(Describe(errors.New("x")), "The assistant request failed"))
}
