// Copyright 2025 The Paasd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"unicode/utf8"

	"github.com/woowtech/paasd/internal/errdefs"
)

const maxMessage = 200

// apiError is a non-2xx answer of the application API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (e *apiError) Is(target error) bool { return target == errdefs.ErrRemoteFailure }

// n8nSession talks to one n8n instance. Login cookies live in the session's
// jar, so each step opens its own session.
type n8nSession struct {
	base string
	http *http.Client
}

func newN8nSession(base string, hc *http.Client) *n8nSession {
	jar, _ := cookiejar.New(nil)
	c := &http.Client{Jar: jar}
	if hc != nil {
		c.Transport = hc.Transport
		c.Timeout = hc.Timeout
	}
	return &n8nSession{base: strings.TrimSuffix(base, "/"), http: c}
}

func (s *n8nSession) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return fmt.Errorf("%s %s: %w", method, path, errdefs.ErrRemoteTimeout)
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, errdefs.ErrRemoteFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, errdefs.ErrRemoteFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{Status: resp.StatusCode, Message: messageOf(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: malformed response: %w", method, path, errdefs.ErrRemoteFailure)
	}
	return nil
}

// messageOf extracts the message of an n8n error body, trimmed so that no
// stack trace leaks into run records.
func messageOf(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil {
		msg = body.Message
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > maxMessage {
		cut := maxMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

func (s *n8nSession) healthy(ctx context.Context, path string) error {
	return s.do(ctx, http.MethodGet, path, nil, nil)
}

func (s *n8nSession) setupOwner(ctx context.Context, email, password string) error {
	return s.do(ctx, http.MethodPost, "/rest/owner/setup", map[string]string{
		"email":     email,
		"password":  password,
		"firstName": "Owner",
		"lastName":  "Account",
	}, nil)
}

func (s *n8nSession) login(ctx context.Context, email, password string) error {
	// Older releases read "email", newer ones "emailOrLdapLoginId".
	return s.do(ctx, http.MethodPost, "/rest/login", map[string]string{
		"email":              email,
		"emailOrLdapLoginId": email,
		"password":           password,
	}, nil)
}

func (s *n8nSession) createAPIKey(ctx context.Context, label string) (string, error) {
	var out struct {
		Data struct {
			APIKey    string `json:"apiKey"`
			RawAPIKey string `json:"rawApiKey"`
		} `json:"data"`
	}
	if err := s.do(ctx, http.MethodPost, "/rest/api-keys", map[string]any{
		"label":     label,
		"expiresAt": nil,
	}, &out); err != nil {
		return "", err
	}
	// Newer releases return a redacted apiKey next to the raw one.
	if out.Data.RawAPIKey != "" {
		return out.Data.RawAPIKey, nil
	}
	return out.Data.APIKey, nil
}
