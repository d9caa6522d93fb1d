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

// Command paasd serves the deployment orchestration API and runs the
// lease and initialization-run janitor.
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/woowtech/paasd/internal/bootstrap"
	"github.com/woowtech/paasd/internal/catalog"
	"github.com/woowtech/paasd/internal/cleanup"
	"github.com/woowtech/paasd/internal/cluster"
	"github.com/woowtech/paasd/internal/config"
	"github.com/woowtech/paasd/internal/cost"
	"github.com/woowtech/paasd/internal/deploy"
	"github.com/woowtech/paasd/internal/edge"
	"github.com/woowtech/paasd/internal/github"
	"github.com/woowtech/paasd/internal/helm"
	"github.com/woowtech/paasd/internal/lease"
	"github.com/woowtech/paasd/internal/namespace"
	"github.com/woowtech/paasd/internal/runstore"
	"github.com/woowtech/paasd/internal/server"
	"github.com/woowtech/paasd/internal/sqlstore"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var cfg config.Config
	cfg.BindFlags(flag.CommandLine)
	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	restConfig := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                  scheme,
		Metrics:                 metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress:  cfg.ProbeAddr,
		LeaderElection:          cfg.LeaderElect,
		LeaderElectionID:        "paasd-janitor.woowtech.io",
		LeaderElectionNamespace: cfg.Namespace,
	})
	if err != nil {
		setupLog.Error(err, "unable to create manager")
		os.Exit(1)
	}

	if err := setup(mgr, restConfig, &cfg); err != nil {
		setupLog.Error(err, "unable to set up paasd")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "api", cfg.APIAddr, "store", cfg.Store, "edge", cfg.Edge, "catalog", cfg.Catalog)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// setup builds every component and registers the runnables with mgr.
func setup(mgr ctrl.Manager, restConfig *rest.Config, cfg *config.Config) error {
	// Leases and runs are read right after they are written, so they bypass
	// the informer cache.
	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create clientset: %w", err)
	}
	gateway := cluster.NewKubeGateway(c, clientset, restConfig)

	leases, runs, err := stores(c, cfg)
	if err != nil {
		return err
	}
	router, err := edgeRouter(c, leases, cfg)
	if err != nil {
		return err
	}
	src, err := templates(cfg)
	if err != nil {
		return err
	}

	helmCLI := helm.NewCLI(&helm.ExecRunner{Binary: cfg.HelmBinary})
	helmCLI.QueryTimeout = cfg.HelmQueryTimeout
	releases := helm.NewLockedManager(helmCLI, leases, cfg.LeaseTTL)
	orchestrator := deploy.NewOrchestrator(src, releases, router, leases, deploy.Config{
		Domain:   cfg.Domain,
		Timeout:  cfg.HelmTimeout,
		LeaseTTL: cfg.LeaseTTL,
	})
	provisioner := namespace.NewProvisioner(gateway, cost.NewEstimator(nil), namespace.Config{
		Prefix:        cfg.TenantPrefix,
		Isolate:       cfg.Isolate,
		EdgeNamespace: cfg.EdgeNamespace,
	})
	initializer := bootstrap.NewInitializer(runs, leases, src, bootstrap.Config{
		Timeout:  cfg.InitTimeout,
		LeaseTTL: cfg.LeaseTTL,
	}, bootstrap.N8n(gateway, bootstrap.DefaultN8nConfig()))

	api := server.New(server.Config{
		Addr:            cfg.APIAddr,
		SignatureSecret: cfg.SignatureSecret,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
	}, provisioner, orchestrator, initializer)
	if err := mgr.Add(api); err != nil {
		return fmt.Errorf("failed to add API server: %w", err)
	}
	if err := mgr.Add(cleanup.NewScheduler(leases, runs, cfg.JanitorInterval, cfg.RunRetention)); err != nil {
		return fmt.Errorf("failed to add janitor: %w", err)
	}
	return nil
}

func stores(c client.Client, cfg *config.Config) (lease.Store, runstore.Store, error) {
	if cfg.Store == config.StoreKube {
		return lease.NewKubeStore(c, cfg.Namespace), runstore.NewKubeStore(c, cfg.Namespace), nil
	}
	db, err := sqlstore.OpenDB(cfg.DatabaseDrv, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	return sqlstore.NewLeaseStore(db), sqlstore.NewRunStore(db), nil
}

func edgeRouter(c client.Client, leases lease.Store, cfg *config.Config) (edge.Router, error) {
	if cfg.Edge == config.EdgeIngress {
		return edge.NewIngressRouter(c, edge.IngressConfig{
			DefaultNamespace: cfg.Namespace,
			ClassName:        cfg.IngressClass,
			CertIssuer:       cfg.CertIssuer,
		}), nil
	}
	cf, err := edge.NewCloudflareRouter(edge.CloudflareConfig{
		APIToken:  cfg.CloudflareToken,
		AccountID: cfg.CloudflareAccountID,
		TunnelID:  cfg.CloudflareTunnelID,
		ZoneID:    cfg.CloudflareZoneID,

		Leases:            leases,
		MaxRetries:        cfg.CloudflareRetries,
		RequestsPerSecond: cfg.CloudflareRPS,
	})
	if err != nil {
		return nil, err
	}
	return cf, nil
}

func templates(cfg *config.Config) (catalog.Source, error) {
	if cfg.Catalog == config.CatalogFile {
		return catalog.NewFileSource(cfg.CatalogDir), nil
	}
	gh, err := github.NewClient(cfg.GitHubToken)
	if err != nil {
		return nil, err
	}
	owner, name := cfg.GitHubOwnerRepo()
	return catalog.NewGitHubSource(gh, github.Repository{Owner: owner, Name: name, Ref: cfg.GitHubRef}, cfg.CatalogDir), nil
}
