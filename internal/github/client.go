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

package github

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/errdefs"
)

// githubClient implements the Client interface using go-github
type githubClient struct {
	client      *github.Client
	retryConfig *RetryConfig
}

// Option configures the client.
type Option func(*githubClient) error

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(c *githubClient) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid GitHub base URL %q: %w", raw, err)
		}
		c.client.BaseURL = u
		return nil
	}
}

// WithRetryConfig overrides the retry behavior.
func WithRetryConfig(cfg *RetryConfig) Option {
	return func(c *githubClient) error {
		c.retryConfig = cfg
		return nil
	}
}

// NewClient creates a new GitHub client. An empty token makes anonymous
// requests, which are subject to a much lower rate limit.
func NewClient(token string, opts ...Option) (Client, error) {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}

	c := &githubClient{
		client:      gh,
		retryConfig: DefaultRetryConfig(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetFile retrieves a file and decodes its content
func (c *githubClient) GetFile(ctx context.Context, repo Repository, path string) (*File, error) {
	var content *github.RepositoryContent
	var err error

	opts := &github.RepositoryContentGetOptions{Ref: repo.Ref}
	err = c.executeWithRetry(ctx, func() error {
		content, _, _, err = c.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, opts)
		return err
	})
	if err != nil {
		return nil, c.classify(repo, path, err)
	}
	if content == nil {
		return nil, errdefs.Validation("%s/%s:%s is a directory, not a file", repo.Owner, repo.Name, path)
	}

	decoded, err := content.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s:%s: %w", repo.Owner, repo.Name, path, err)
	}
	return &File{
		Path:    content.GetPath(),
		SHA:     content.GetSHA(),
		Content: []byte(decoded),
	}, nil
}

// ListDirectory lists the entries of a directory
func (c *githubClient) ListDirectory(ctx context.Context, repo Repository, path string) ([]string, error) {
	var entries []*github.RepositoryContent
	var err error

	opts := &github.RepositoryContentGetOptions{Ref: repo.Ref}
	err = c.executeWithRetry(ctx, func() error {
		_, entries, _, err = c.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, opts)
		return err
	})
	if err != nil {
		return nil, c.classify(repo, path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			names = append(names, e.GetName())
		}
	}
	return names, nil
}

func (c *githubClient) classify(repo Repository, path string, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return errdefs.NotFound("github file", fmt.Sprintf("%s/%s:%s", repo.Owner, repo.Name, path))
	}
	return fmt.Errorf("failed to read %s/%s:%s: %w: %w", repo.Owner, repo.Name, path, errdefs.ErrRemoteFailure, err)
}

// executeWithRetry executes an operation with exponential backoff retry
func (c *githubClient) executeWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		// Check if context is cancelled before attempting
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !c.isRetryableError(lastErr) {
			return lastErr
		}
		if attempt == c.retryConfig.MaxRetries {
			break
		}

		backoff := c.calculateBackoff(attempt)
		log.FromContext(ctx).V(1).Info("Retrying GitHub request", "attempt", attempt+1, "backoff", backoff, "error", lastErr.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", c.retryConfig.MaxRetries, lastErr)
}

// isRetryableError determines if an error should trigger a retry
func (c *githubClient) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			return strings.Contains(ghErr.Message, "rate limit")
		}
	}

	return false
}

// calculateBackoff calculates the backoff duration for a retry attempt
func (c *githubClient) calculateBackoff(attempt int) time.Duration {
	factor := c.retryConfig.BackoffFactor
	if factor <= 1 {
		factor = 2
	}
	base := float64(c.retryConfig.InitialBackoff) * math.Pow(factor, float64(attempt))

	// Jitter of +/-20%
	jitter := (rand.Float64() * 0.4) - 0.2
	backoff := time.Duration(base * (1 + jitter))

	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}
	return backoff
}
