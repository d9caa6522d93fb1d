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
	"time"
)

// Client reads files from a GitHub repository.
type Client interface {
	// GetFile returns the decoded content of a file at ref. A missing file
	// is reported with errdefs.ErrNotFound.
	GetFile(ctx context.Context, repo Repository, path string) (*File, error)
	// ListDirectory returns the names of the entries of a directory at ref.
	ListDirectory(ctx context.Context, repo Repository, path string) ([]string, error)
}

// Repository locates a repository and the ref to read from.
type Repository struct {
	Owner string
	Name  string
	// Ref is a branch, tag or commit SHA. Empty means the default branch.
	Ref string
}

// File is the content of one repository file.
type File struct {
	Path    string
	SHA     string
	Content []byte
}

// RetryConfig defines the retry behavior for API calls
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig is used by NewClient.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}
