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

// Package github reads application templates from a GitHub repository.
//
// Example usage:
//
//	client, err := github.NewClient(token)
//	if err != nil {
//	    return err
//	}
//	repo := github.Repository{Owner: "woowtech", Name: "paas-catalog", Ref: "main"}
//	file, err := client.GetFile(ctx, repo, "templates/n8n.yaml")
//
// Rate Limiting:
//
// The GitHub API has rate limits:
//   - 5,000 requests per hour for authenticated requests
//   - 60 requests per hour for unauthenticated requests
//
// Retry Logic:
//
// Failed requests are retried with exponential backoff and +/-20% jitter:
//   - Initial backoff: 100 milliseconds
//   - Maximum backoff: 30 seconds
//   - Maximum retries: 3
//   - Backoff factor: 2.0
//
// Retries are performed for rate limit errors and 5xx responses only.
package github
