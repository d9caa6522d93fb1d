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

// Package catalog resolves an application slug to the chart, default values
// and routing details needed to deploy it.
//
// Templates are YAML documents, one per slug:
//
//	slug: n8n
//	chart:
//	  name: n8n
//	  repository: oci://8gears.container-registry.com/library
//	  version: 1.0.2
//	service: "{{ .Release }}"
//	port: 80
//	init:
//	  kind: n8n
//	  secret: "{{ .Release }}-api"
//	  sidecar: credential-sync
//	values:
//	  main.persistence.enabled: true
//
// service and init.secret are text/template strings evaluated against the
// release name and namespace.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/helm"
)

// DefaultServiceTemplate names the Service after the release, which is the
// convention of most charts.
const DefaultServiceTemplate = "{{ .Release }}"

// Template describes how to deploy one application.
type Template struct {
	Slug   string         `yaml:"slug"`
	Chart  helm.Chart     `yaml:"chart"`
	Values map[string]any `yaml:"values,omitempty"`

	// Service is the name template of the Service the edge routes to.
	Service string `yaml:"service,omitempty"`
	// Port is the Service port the edge routes to.
	Port int `yaml:"port"`

	// Init is set for applications that need post-deploy bootstrapping.
	Init *InitSpec `yaml:"init,omitempty"`

	// Revision identifies the template source version, e.g. a blob SHA.
	Revision string `yaml:"-"`
}

// InitSpec configures the post-deploy bootstrap of an application.
type InitSpec struct {
	// Kind selects the bootstrap step sequence.
	Kind string `yaml:"kind"`
	// Secret is the name template of the Secret receiving issued credentials.
	Secret string `yaml:"secret,omitempty"`
	// Sidecar is the container that is told to reload credentials.
	Sidecar string `yaml:"sidecar,omitempty"`
	// HealthPath overrides the application health endpoint.
	HealthPath string `yaml:"healthPath,omitempty"`
}

// Source looks templates up by slug.
type Source interface {
	// Get returns the template for slug or an errdefs.ErrNotFound error.
	Get(ctx context.Context, slug string) (*Template, error)
	// List returns the slugs the source serves.
	List(ctx context.Context) ([]string, error)
}

type nameVars struct {
	Release   string
	Namespace string
}

func render(name, text, release, namespace string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", errdefs.Validation("template %s: %v", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nameVars{Release: release, Namespace: namespace}); err != nil {
		return "", errdefs.Validation("template %s: %v", name, err)
	}
	return buf.String(), nil
}

// ServiceName returns the Service name for a release of this template.
func (t *Template) ServiceName(release, namespace string) (string, error) {
	text := t.Service
	if text == "" {
		text = DefaultServiceTemplate
	}
	return render(t.Slug+".service", text, release, namespace)
}

// SecretName returns the credential Secret name for a release, or "" when
// the template has no init section.
func (t *Template) SecretName(release, namespace string) (string, error) {
	if t.Init == nil {
		return "", nil
	}
	text := t.Init.Secret
	if text == "" {
		text = "{{ .Release }}-credentials"
	}
	return render(t.Slug+".init.secret", text, release, namespace)
}

// ValidSlug reports whether slug can name a template. Slugs become part of
// release names and file paths, so they must be DNS-1123 labels.
func ValidSlug(slug string) error {
	if errs := validation.IsDNS1123Label(slug); len(errs) > 0 {
		return errdefs.Validation("invalid application slug %q: %v", slug, errs)
	}
	return nil
}

// Parse decodes and validates a template document served for slug.
func Parse(slug string, data []byte) (*Template, error) {
	t := &Template{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w: %w", slug, errdefs.ErrRemoteFailure, err)
	}
	if t.Slug == "" {
		t.Slug = slug
	}
	switch {
	case t.Slug != slug:
		return nil, errdefs.Validation("template %s declares slug %q", slug, t.Slug)
	case t.Chart.Name == "":
		return nil, errdefs.Validation("template %s has no chart name", slug)
	case t.Port <= 0 || t.Port > 65535:
		return nil, errdefs.Validation("template %s has invalid port %d", slug, t.Port)
	case t.Init != nil && t.Init.Kind == "":
		return nil, errdefs.Validation("template %s has an init section without kind", slug)
	}
	if t.Values == nil {
		t.Values = map[string]any{}
	}
	return t, nil
}
