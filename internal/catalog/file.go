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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/woowtech/paasd/internal/errdefs"
)

const templateExt = ".yaml"

// FileSource serves templates from <dir>/<slug>.yaml.
type FileSource struct {
	dir string
}

// NewFileSource returns a source reading from dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Get reads and parses the template for slug.
func (s *FileSource) Get(_ context.Context, slug string) (*Template, error) {
	if err := ValidSlug(slug); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, slug+templateExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.NotFound("application template", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", slug, err)
	}
	return Parse(slug, data)
}

// List returns the slugs of every template file in the directory.
func (s *FileSource) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates in %s: %w", s.dir, err)
	}
	return slugsOf(entriesNames(entries)), nil
}

func entriesNames(entries []os.DirEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func slugsOf(names []string) []string {
	slugs := []string{}
	for _, n := range names {
		slug, ok := strings.CutSuffix(n, templateExt)
		if !ok || ValidSlug(slug) != nil {
			continue
		}
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
