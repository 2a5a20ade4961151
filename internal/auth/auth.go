// Package auth obtains bearer tokens for the transcription service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"call-insights-go/internal/retry"

	"golang.org/x/oauth2"
)

// TokenSource returns a fresh bearer token on every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// PasswordSource runs the OAuth2 password grant against the auth service's
// /api/v1/login/access-token endpoint. Tokens are not cached: each call logs
// in again.
type PasswordSource struct {
	cfg      oauth2.Config
	username string
	password string
	client   *http.Client
}

func NewPasswordSource(baseURL, username, password string) *PasswordSource {
	return &PasswordSource{
		cfg: oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimRight(baseURL, "/") + "/api/v1/login/access-token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		username: username,
		password: password,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: arrayUnwrapper{next: http.DefaultTransport},
		},
	}
}

func (s *PasswordSource) Token(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.cfg.PasswordCredentialsToken(ctx, s.username, s.password)
	if err != nil {
		return "", classify(err)
	}
	if tok.AccessToken == "" {
		return "", retry.Permanent(fmt.Errorf("auth: empty access token"))
	}
	return tok.AccessToken, nil
}

// classify maps token endpoint failures onto retry semantics.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return fmt.Errorf("auth: %w", &retry.StatusError{Code: re.Response.StatusCode, Body: string(re.Body)})
	}
	return fmt.Errorf("auth: %w", err)
}

// arrayUnwrapper rewrites a token response of the form [{...}] into {...}.
// The auth service returns its token wrapped in a one-element array.
type arrayUnwrapper struct {
	next http.RoundTripper
}

func (t arrayUnwrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode >= 300 {
		return resp, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if json.Unmarshal(trimmed, &items) == nil && len(items) > 0 {
			body = items[0]
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	return resp, nil
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// FromEnv picks the token source: USE_MOCK_AUTH=true or a missing auth URL
// yields a static mock token.
func FromEnv(baseURL, username, password string) TokenSource {
	if os.Getenv("USE_MOCK_AUTH") == "true" || baseURL == "" {
		return Static("mock-token")
	}
	return NewPasswordSource(baseURL, username, password)
}
