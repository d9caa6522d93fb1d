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

package catalog

import (
	"context"
	"path"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/github"
)

// GitHubSource serves templates from a directory of a GitHub repository.
type GitHubSource struct {
	client github.Client
	repo   github.Repository
	dir    string
}

// NewGitHubSource returns a source reading <dir>/<slug>.yaml from repo.
func NewGitHubSource(client github.Client, repo github.Repository, dir string) *GitHubSource {
	return &GitHubSource{client: client, repo: repo, dir: dir}
}

func (s *GitHubSource) Get(ctx context.Context, slug string) (*Template, error) {
	if err := ValidSlug(slug); err != nil {
		return nil, err
	}
	file, err := s.client.GetFile(ctx, s.repo, path.Join(s.dir, slug+templateExt))
	if err != nil {
		return nil, err
	}
	t, err := Parse(slug, file.Content)
	if err != nil {
		return nil, err
	}
	t.Revision = file.SHA
	log.FromContext(ctx).V(1).Info("Loaded application template", "slug", slug, "repository", s.repo.Owner+"/"+s.repo.Name, "sha", file.SHA)
	return t, nil
}

func (s *GitHubSource) List(ctx context.Context) ([]string, error) {
	names, err := s.client.ListDirectory(ctx, s.repo, s.dir)
	if err != nil {
		return nil, err
	}
	return slugsOf(names), nil
}
