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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/github"
	"github.com/woowtech/paasd/internal/helm"
)

const n8nTemplate = `slug: n8n
chart:
  name: n8n
  repository: oci://8gears.container-registry.com/library
  version: 1.0.2
port: 80
init:
  kind: n8n
  secret: "{{ .Release }}-api"
  sidecar: credential-sync
values:
  main.persistence.enabled: true
`

func writeTemplates(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestFileSource_Get(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"n8n.yaml":    n8nTemplate,
		"broken.yaml": "slug: [",
		"noport.yaml": "chart:\n  name: x\n",
		"other.yaml":  "slug: n8n\nchart:\n  name: x\nport: 80\n",
	})
	src := NewFileSource(dir)

	tmpl, err := src.Get(context.Background(), "n8n")
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	want := helm.Chart{Name: "n8n", Repository: "oci://8gears.container-registry.com/library", Version: "1.0.2"}
	if diff := cmp.Diff(want, tmpl.Chart); diff != "" {
		t.Errorf("chart mismatch (-want +got):\n%s", diff)
	}
	if tmpl.Values["main.persistence.enabled"] != true {
		t.Errorf("values = %v", tmpl.Values)
	}

	tests := []struct {
		slug string
		want error
	}{
		{slug: "missing", want: errdefs.ErrNotFound},
		{slug: "../etc", want: errdefs.ErrValidation},
		{slug: "Bad_Slug", want: errdefs.ErrValidation},
		{slug: "noport", want: errdefs.ErrValidation},
		{slug: "other", want: errdefs.ErrValidation},
		{slug: "broken", want: errdefs.ErrRemoteFailure},
	}
	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			_, err := src.Get(context.Background(), tt.slug)
			if !errors.Is(err, tt.want) {
				t.Errorf("Get(%q) = %v, want %v", tt.slug, err, tt.want)
			}
		})
	}
}

func TestFileSource_List(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"n8n.yaml":       n8nTemplate,
		"wordpress.yaml": "chart:\n  name: wordpress\nport: 80\n",
		"README.md":      "templates",
	})
	got, err := NewFileSource(dir).List(context.Background())
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"n8n", "wordpress"}, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestTemplateNames(t *testing.T) {
	tmpl, err := Parse("n8n", []byte(n8nTemplate))
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}

	svc, err := tmpl.ServiceName("n8n-1a2b3c4d", "paas-ws-demo")
	if err != nil || svc != "n8n-1a2b3c4d" {
		t.Errorf("ServiceName() = %q, %v", svc, err)
	}
	secret, err := tmpl.SecretName("n8n-1a2b3c4d", "paas-ws-demo")
	if err != nil || secret != "n8n-1a2b3c4d-api" {
		t.Errorf("SecretName() = %q, %v", secret, err)
	}

	tmpl.Service = "{{ .Missing }}"
	if _, err := tmpl.ServiceName("r", "ns"); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("ServiceName() with bad field = %v, want ErrValidation", err)
	}

	tmpl.Init = nil
	if secret, _ := tmpl.SecretName("r", "ns"); secret != "" {
		t.Errorf("SecretName() without init = %q, want empty", secret)
	}
}

type fakeRepo struct {
	files map[string]github.File
}

func (f *fakeRepo) GetFile(_ context.Context, _ github.Repository, path string) (*github.File, error) {
	file, ok := f.files[path]
	if !ok {
		return nil, errdefs.NotFound("github file", path)
	}
	return &file, nil
}

func (f *fakeRepo) ListDirectory(context.Context, github.Repository, string) ([]string, error) {
	names := []string{}
	for p := range f.files {
		names = append(names, filepath.Base(p))
	}
	return names, nil
}

func TestGitHubSource(t *testing.T) {
	repo := &fakeRepo{files: map[string]github.File{
		"templates/n8n.yaml": {Path: "templates/n8n.yaml", SHA: "3d21ec5", Content: []byte(n8nTemplate)},
	}}
	src := NewGitHubSource(repo, github.Repository{Owner: "woowtech", Name: "paas-catalog"}, "templates")

	tmpl, err := src.Get(context.Background(), "n8n")
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if tmpl.Revision != "3d21ec5" {
		t.Errorf("Revision = %q, want blob sha", tmpl.Revision)
	}
	if _, err := src.Get(context.Background(), "wordpress"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Get(wordpress) = %v, want ErrNotFound", err)
	}

	slugs, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"n8n"}, slugs); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}
