package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
)

// SupabaseBackend talks to the Supabase GoTrue REST API.
type SupabaseBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSupabaseBackend returns a backend for the project at projectURL.
func NewSupabaseBackend(projectURL, apiKey string, httpClient *http.Client) *SupabaseBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &SupabaseBackend{
		baseURL:    strings.TrimRight(projectURL, "/") + "/auth/v1",
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type supabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// supabaseSession covers both shapes returned by /signup: a session with a
// nested user when auto-confirm is on, or a bare user otherwise.
type supabaseSession struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int           `json:"expires_in"`
	User        *supabaseUser `json:"user"`
	supabaseUser
}

type supabaseError struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e supabaseError) text() string {
	for _, candidate := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// SignUp creates an account.
func (b *SupabaseBackend) SignUp(ctx context.Context, creds Credentials) (*Grant, error) {
	var session supabaseSession
	if err := b.do(ctx, http.MethodPost, "/signup", "", creds, &session); err != nil {
		return nil, err
	}
	return session.grant("sign-up did not create a user")
}

// SignInWithPassword opens a session for an existing account.
func (b *SupabaseBackend) SignInWithPassword(ctx context.Context, creds Credentials) (*Grant, error) {
	var session supabaseSession
	if err := b.do(ctx, http.MethodPost, "/token?grant_type=password", "", creds, &session); err != nil {
		return nil, err
	}
	return session.grant("sign-in did not return a user")
}

// SignOut revokes the access token.
func (b *SupabaseBackend) SignOut(ctx context.Context, accessToken string) error {
	return b.do(ctx, http.MethodPost, "/logout", accessToken, nil, nil)
}

// GetUser resolves the user behind the access token.
func (b *SupabaseBackend) GetUser(ctx context.Context, accessToken string) (user.Identity, error) {
	var u supabaseUser
	if err := b.do(ctx, http.MethodGet, "/user", accessToken, nil, &u); err != nil {
		return user.Identity{}, err
	}
	if u.ID == "" {
		return user.Identity{}, rejected("no user for this session")
	}
	return user.Identity{ID: u.ID, Email: u.Email}, nil
}

func (s supabaseSession) grant(missing string) (*Grant, error) {
	u := s.User
	if u == nil || u.ID == "" {
		u = &s.supabaseUser
	}
	if u.ID == "" {
		return nil, rejected(missing)
	}

	grant := &Grant{
		User:        user.Identity{ID: u.ID, Email: u.Email},
		AccessToken: s.AccessToken,
	}
	if s.ExpiresIn > 0 {
		grant.ExpiresAt = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return grant, nil
}

func (b *SupabaseBackend) do(ctx context.Context, method, path, accessToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal auth request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "create auth request")
	}
	req.Header.Set("apikey", b.apiKey)
	bearer := b.apiKey
	if accessToken != "" {
		bearer = accessToken
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return transport("request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transport("read response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return transport(resp.Status, errors.New(strings.TrimSpace(string(raw))))
	case resp.StatusCode >= 400:
		var apiErr supabaseError
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.text()
		if msg == "" {
			msg = resp.Status
		}
		return rejected(msg)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return transport("decode response", err)
	}
	return nil
}
