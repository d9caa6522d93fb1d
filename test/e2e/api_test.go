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

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/wait"

	paasv1alpha1 "github.com/woowtech/paasd/api/v1alpha1"
	"github.com/woowtech/paasd/internal/bootstrap"
	"github.com/woowtech/paasd/internal/bootstrap/n8ntest"
	"github.com/woowtech/paasd/internal/catalog"
	"github.com/woowtech/paasd/internal/cleanup"
	"github.com/woowtech/paasd/internal/cluster/clustertest"
	"github.com/woowtech/paasd/internal/cost"
	"github.com/woowtech/paasd/internal/deploy"
	"github.com/woowtech/paasd/internal/edge/edgetest"
	"github.com/woowtech/paasd/internal/helm"
	"github.com/woowtech/paasd/internal/helm/helmtest"
	"github.com/woowtech/paasd/internal/lease"
	"github.com/woowtech/paasd/internal/namespace"
	"github.com/woowtech/paasd/internal/runstore"
	"github.com/woowtech/paasd/internal/server"
)

const (
	secret    = "e2e-signing-secret"
	domain    = "apps.example.com"
	tenant    = "paas-ws-demo"
	release   = "n8n-fc274842"
	ownerMail = "admin@demo"
	ownerPass = "secret123"
)

const n8nTemplate = `chart:
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

var _ = Describe("paasd API", Ordered, func() {
	var (
		api      *httptest.Server
		gateway  *clustertest.Fake
		releases *helmtest.Fake
		router   *edgetest.Fake
		n8n      *n8ntest.Server
		leases   *lease.MemoryStore
		runs     *runstore.MemoryStore
	)

	call := func(method, path string, body any, signed bool) (*http.Response, []byte) {
		GinkgoHelper()
		var payload []byte
		if body != nil {
			var err error
			payload, err = json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
		}
		req, err := http.NewRequest(method, api.URL+path, bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		if signed {
			req.Header.Set(server.SignatureHeader, server.Sign(payload, secret))
		}
		resp, err := api.Client().Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var out bytes.Buffer
		_, err = out.ReadFrom(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, out.Bytes()
	}

	BeforeAll(func() {
		dir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "n8n.yaml"), []byte(n8nTemplate), 0o600)).To(Succeed())
		src := catalog.NewFileSource(dir)

		gateway = clustertest.NewFake()
		releases = helmtest.NewFake()
		router = edgetest.NewFake()
		n8n = n8ntest.NewServer()
		DeferCleanup(n8n.Close)
		leases = lease.NewMemoryStore()
		runs = runstore.NewMemoryStore()

		orchestrator := deploy.NewOrchestrator(src, helm.NewLockedManager(releases, leases, time.Minute), router, leases, deploy.Config{
			Domain:   domain,
			Timeout:  time.Minute,
			LeaseTTL: time.Minute,
		})
		provisioner := namespace.NewProvisioner(gateway, cost.NewEstimator(nil), namespace.Config{
			Prefix:        "paas-ws-",
			Isolate:       true,
			EdgeNamespace: "cloudflared",
		})
		n8nCfg := bootstrap.DefaultN8nConfig()
		n8nCfg.Backoff = wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 5}
		initializer := bootstrap.NewInitializer(runs, leases, src, bootstrap.Config{
			Timeout:    30 * time.Second,
			LeaseTTL:   time.Minute,
			ServiceURL: func(string, string, int) string { return n8n.URL },
		}, bootstrap.N8n(gateway, n8nCfg))

		api = httptest.NewServer(server.New(server.Config{SignatureSecret: secret, RateLimit: 100, RateBurst: 100}, provisioner, orchestrator, initializer).Handler())
		DeferCleanup(api.Close)
	})

	It("rejects unsigned requests", func() {
		resp, _ := call(http.MethodPost, "/namespaces", paasv1alpha1.NamespaceRequest{Name: tenant}, false)
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(gateway.CallCount()).To(BeZero())
	})

	It("provisions an isolated tenant namespace with a cost estimate", func() {
		resp, body := call(http.MethodPost, "/namespaces", paasv1alpha1.NamespaceRequest{
			Name:         tenant,
			CPULimit:     "2",
			MemoryLimit:  "4Gi",
			StorageLimit: "10Gi",
		}, true)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(body))

		var desc paasv1alpha1.NamespaceDescriptor
		Expect(json.Unmarshal(body, &desc)).To(Succeed())
		Expect(desc.Name).To(Equal(tenant))
		Expect(desc.Isolated).To(BeTrue())
		Expect(desc.Quota).To(Equal(paasv1alpha1.QuotaLimits{CPU: "2", Memory: "4Gi", Storage: "10Gi"}))
		Expect(desc.CostEstimate).NotTo(BeNil())
		Expect(desc.CostEstimate.Currency).To(Equal("USD"))
	})

	It("refuses a second namespace with the same name", func() {
		resp, body := call(http.MethodPost, "/namespaces", paasv1alpha1.NamespaceRequest{
			Name:         tenant,
			CPULimit:     "2",
			MemoryLimit:  "4Gi",
			StorageLimit: "10Gi",
		}, true)
		Expect(resp.StatusCode).To(Equal(http.StatusConflict), string(body))
	})

	It("deploys n8n under a deterministic release and publishes it", func() {
		resp, body := call(http.MethodPost, "/releases/"+tenant+"/n8n", nil, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

		var res paasv1alpha1.DeploymentResult
		Expect(json.Unmarshal(body, &res)).To(Succeed())
		Expect(res.Release).To(Equal(release))
		Expect(res.Status).To(Equal(string(helm.StatusDeployed)))
		Expect(res.Upgraded).To(BeFalse())
		Expect(res.Hostname).To(Equal("n8n." + domain))
		Expect(res.URL).To(Equal("https://n8n." + domain))
		Expect(res.InitKind).To(Equal("n8n"))

		Expect(router.Routes()).To(HaveKey(tenant + "-n8n"))
		Expect(releases.Values(tenant, release)).To(HaveKeyWithValue("main",
			HaveKeyWithValue("persistence", HaveKeyWithValue("enabled", true))))

		gateway.AddPod(tenant, release+"-7d9f-x2k4p", map[string]string{bootstrap.InstanceLabel: release}, "n8n", "credential-sync")
	})

	It("upgrades on a second deploy", func() {
		resp, body := call(http.MethodPost, "/releases/"+tenant+"/n8n", paasv1alpha1.DeployRequest{
			Values: map[string]any{"main.resources.limits.memory": "1Gi"},
		}, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

		var res paasv1alpha1.DeploymentResult
		Expect(json.Unmarshal(body, &res)).To(Succeed())
		Expect(res.Upgraded).To(BeTrue())
		Expect(res.Revision).To(Equal(2))
	})

	It("bootstraps the deployed instance", func() {
		resp, body := call(http.MethodPost, "/releases/"+tenant+"/"+release+"/init/n8n", paasv1alpha1.InitRequest{
			OwnerEmail:    ownerMail,
			OwnerPassword: ownerPass,
		}, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

		var res paasv1alpha1.InitResponse
		Expect(json.Unmarshal(body, &res)).To(Succeed())
		Expect(res.Success).To(BeTrue(), res.Error)
		Expect(res.OwnerEmail).To(Equal(ownerMail))
		Expect(res.APIKey).NotTo(BeEmpty())
		Expect(n8n.Keys()).To(ConsistOf(res.APIKey))

		Expect(gateway.Secret(tenant, release+"-api")).To(HaveKeyWithValue("N8N_API_KEY", []byte(res.APIKey)))
		Expect(gateway.Execs).To(HaveLen(1))
		Expect(gateway.Execs[0].Container).To(Equal("credential-sync"))
	})

	It("reports the run without the issued credential", func() {
		resp, body := call(http.MethodGet, "/releases/"+tenant+"/"+release+"/init/n8n", nil, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

		var run paasv1alpha1.InitializationRun
		Expect(json.Unmarshal(body, &run)).To(Succeed())
		Expect(run.Phase).To(Equal(paasv1alpha1.RunSucceeded))
		Expect(run.Steps).To(HaveLen(4))
		for _, step := range run.Steps {
			Expect(step.Status).To(Equal(paasv1alpha1.StepSucceeded), step.Name)
		}
		Expect(string(body)).NotTo(ContainSubstring(n8n.Keys()[0]))
	})

	It("answers a repeated bootstrap from the stored run", func() {
		before := n8n.Requests("POST /rest/api-keys")

		resp, body := call(http.MethodPost, "/releases/"+tenant+"/"+release+"/init/n8n", paasv1alpha1.InitRequest{
			OwnerEmail:    ownerMail,
			OwnerPassword: ownerPass,
		}, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

		var res paasv1alpha1.InitResponse
		Expect(json.Unmarshal(body, &res)).To(Succeed())
		Expect(res.Success).To(BeTrue())
		Expect(res.APIKey).To(Equal(n8n.Keys()[0]))
		Expect(n8n.Requests("POST /rest/api-keys")).To(Equal(before))
	})

	It("keeps the run when the janitor prunes within retention", func() {
		janitor := cleanup.NewScheduler(leases, runs, 10*time.Millisecond, 24*time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		DeferCleanup(cancel)
		go func() {
			defer GinkgoRecover()
			Expect(janitor.Start(ctx)).To(Succeed())
		}()

		Consistently(func() error {
			_, err := runs.Get(context.Background(), paasv1alpha1.RunKey{Namespace: tenant, Release: release, Kind: "n8n"})
			return err
		}, 100*time.Millisecond, 10*time.Millisecond).Should(Succeed())
	})

	It("tears the release down and forgets its route", func() {
		resp, body := call(http.MethodDelete, "/releases/"+tenant+"/n8n", nil, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
		Expect(router.Routes()).To(BeEmpty())

		resp, _ = call(http.MethodGet, "/releases/"+tenant+"/"+release, nil, true)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("deletes the tenant namespace", func() {
		resp, body := call(http.MethodDelete, "/namespaces/"+tenant, nil, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

		resp, _ = call(http.MethodGet, "/namespaces/"+tenant, nil, true)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
