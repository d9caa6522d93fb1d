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
	"net/http"

	"sigs.k8s.io/controller-runtime/pkg/log"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/deploy"
	"github.com/woowtech/paasd/internal/errdefs"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(msg, kind string) paasv1alpha1.ErrorResponse {
	return paasv1alpha1.ErrorResponse{Error: msg, Kind: kind}
}

var kindNames = map[error]string{
	errdefs.ErrValidation:     "validation",
	errdefs.ErrAlreadyExists:  "already_exists",
	errdefs.ErrNotFound:       "not_found",
	errdefs.ErrConflict:       "conflict",
	errdefs.ErrPartialFailure: "partial_failure",
	errdefs.ErrRemoteTimeout:  "remote_timeout",
	errdefs.ErrRemoteFailure:  "remote_failure",
}

// statusOf maps an error kind to the HTTP status it answers with.
func statusOf(kind error) int {
	switch kind {
	case errdefs.ErrValidation:
		return http.StatusBadRequest
	case errdefs.ErrNotFound:
		return http.StatusNotFound
	case errdefs.ErrAlreadyExists, errdefs.ErrConflict:
		return http.StatusConflict
	case errdefs.ErrRemoteTimeout:
		return http.StatusGatewayTimeout
	case errdefs.ErrRemoteFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the only place errors become status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := log.FromContext(r.Context())

	var rf *deploy.RoutingFailedError
	if errors.As(err, &rf) {
		logger.Error(err, "Deploy failed at routing", "compensated", rf.Compensated)
		body := errorBody(err.Error(), "routing_failed")
		body.Resource = rf.Namespace + "/" + rf.Release
		body.Compensated = &rf.Compensated
		body.ManualReconciliation = rf.ManualReconciliationRequired
		writeJSON(w, http.StatusBadGateway, body)
		return
	}

	var pf *errdefs.PartialFailureError
	if errors.As(err, &pf) {
		logger.Error(err, "Operation partially failed", "resource", pf.Resource, "failed", pf.Failed)
		body := errorBody(err.Error(), kindNames[errdefs.ErrPartialFailure])
		body.Resource = pf.Resource
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	kind := errdefs.KindOf(err)
	if kind == nil {
		logger.Error(err, "Internal error")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error", "internal"))
		return
	}
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		logger.Error(err, "Request failed", "kind", kindNames[kind])
	}
	writeJSON(w, status, errorBody(err.Error(), kindNames[kind]))
}
