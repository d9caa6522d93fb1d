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

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/bootstrap"
	"github.com/woowtech/paasd/internal/cost"
	"github.com/woowtech/paasd/internal/deploy"
	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/helm"
	"github.com/woowtech/paasd/internal/namespace"
)

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	default:
		return errdefs.Validation("malformed request body: %v", err)
	}
}

func limitsOf(req paasv1alpha1.NamespaceRequest) namespace.Limits {
	l := req.Limits()
	return namespace.Limits{CPU: l.CPU, Memory: l.Memory, Storage: l.Storage}
}

func costOf(e *cost.Estimate) *paasv1alpha1.CostEstimate {
	if e == nil {
		return nil
	}
	return &paasv1alpha1.CostEstimate{
		Currency:    e.Currency,
		HourlyCost:  e.HourlyCost,
		DailyCost:   e.DailyCost,
		MonthlyCost: e.MonthlyCost,
	}
}

func namespaceDescriptor(d *namespace.Descriptor) paasv1alpha1.NamespaceDescriptor {
	return paasv1alpha1.NamespaceDescriptor{
		Name:         d.Name,
		Quota:        paasv1alpha1.QuotaLimits{CPU: d.Limits.CPU, Memory: d.Limits.Memory, Storage: d.Limits.Storage},
		Labels:       d.Labels,
		Isolated:     d.Isolated,
		CostEstimate: costOf(d.Cost),
		Usage:        costOf(d.Usage),
	}
}

func (s *Server) createNamespace(w http.ResponseWriter, r *http.Request) {
	var req paasv1alpha1.NamespaceRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if !s.allow(w, r, req.Name) {
		return
	}
	desc, err := s.namespaces.CreateNamespace(r.Context(), req.Name, limitsOf(req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, namespaceDescriptor(desc))
}

func (s *Server) describeNamespace(w http.ResponseWriter, r *http.Request) {
	desc, err := s.namespaces.Describe(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaceDescriptor(desc))
}

func (s *Server) ensureQuota(w http.ResponseWriter, r *http.Request) {
	var req paasv1alpha1.NamespaceRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	desc, err := s.namespaces.EnsureQuota(r.Context(), chi.URLParam(r, "namespace"), limitsOf(req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaceDescriptor(desc))
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "namespace")
	if err := s.namespaces.Delete(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) deployApplication(w http.ResponseWriter, r *http.Request) {
	var req paasv1alpha1.DeployRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	var opts []deploy.Option
	if req.Subdomain != "" {
		opts = append(opts, deploy.WithSubdomain(req.Subdomain))
	}
	res, err := s.deployer.DeployApplication(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "app"), req.Values, opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paasv1alpha1.DeploymentResult{
		Namespace: res.Namespace,
		AppSlug:   res.App,
		Release:   res.Release,
		Chart:     res.Chart,
		Revision:  res.Revision,
		Status:    string(res.Status),
		Upgraded:  res.Upgraded,
		RouteName: res.Route.Name,
		Hostname:  res.Route.Hostname,
		Target:    res.Route.Target,
		URL:       res.URL,
		InitKind:  res.InitKind,
	})
}

func releaseStatus(rel *helm.Release) paasv1alpha1.ReleaseStatus {
	return paasv1alpha1.ReleaseStatus{
		Namespace:   rel.Namespace,
		Name:        rel.Name,
		Chart:       rel.Chart,
		Revision:    rel.Revision,
		Status:      string(rel.Status),
		Description: rel.Description,
		UpdatedAt:   rel.Updated,
	}
}

func (s *Server) releaseStatus(w http.ResponseWriter, r *http.Request) {
	rel, err := s.deployer.ReleaseStatus(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "release"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseStatus(rel))
}

func (s *Server) teardown(w http.ResponseWriter, r *http.Request) {
	ns, app := chi.URLParam(r, "namespace"), chi.URLParam(r, "app")
	if err := s.deployer.Teardown(r.Context(), ns, app); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": deploy.ReleaseName(ns, app)})
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request) {
	var req paasv1alpha1.InitRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.init.Initialize(r.Context(), bootstrap.Request{
		Namespace:     chi.URLParam(r, "namespace"),
		Release:       chi.URLParam(r, "release"),
		App:           chi.URLParam(r, "appKind"),
		OwnerEmail:    req.OwnerEmail,
		OwnerPassword: req.OwnerPassword,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paasv1alpha1.InitResponse{
		Success:    res.Success,
		RunID:      res.RunID,
		APIKey:     res.APIKey,
		OwnerEmail: res.OwnerEmail,
		FailedStep: res.FailedStep,
		Error:      res.Error,
	})
}

func (s *Server) initializationRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.init.Run(r.Context(), paasv1alpha1.RunKey{
		Namespace: chi.URLParam(r, "namespace"),
		Release:   chi.URLParam(r, "release"),
		Kind:      chi.URLParam(r, "appKind"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run.Redacted())
}
