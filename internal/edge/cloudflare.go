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

package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/woowtech/paasd/internal/errdefs"
	"github.com/woowtech/paasd/internal/lease"
	"github.com/woowtech/paasd/internal/metrics"
)

const (
	routeCommentPrefix = "paasd-route="
	catchAllService    = "http_status:404"
	cloudflareBackend  = "cloudflare"

	defaultTunnelLeaseTTL = time.Minute
	recordsPerPage        = 100
)

// DefaultTunnelLockWait is how long a route change waits for another
// writer of the tunnel configuration, about a minute in total.
var DefaultTunnelLockWait = wait.Backoff{
	Duration: 200 * time.Millisecond,
	Factor:   1.5,
	Jitter:   0.1,
	Steps:    14,
	Cap:      5 * time.Second,
}

// CloudflareConfig locates the tunnel and DNS zone routes are published in.
type CloudflareConfig struct {
	APIToken  string
	AccountID string
	TunnelID  string
	ZoneID    string

	// Leases serializes tunnel configuration writes across replicas. When
	// nil, writes are serialized within this process only.
	Leases lease.Store
	// LeaseTTL bounds how long a crashed writer blocks the tunnel.
	LeaseTTL time.Duration
	// LockWait is the backoff for waiting on another writer.
	LockWait *wait.Backoff

	// MaxRetries is the number of retries on 429 and 5xx answers.
	MaxRetries int
	// RequestsPerSecond caps the API call rate. Zero keeps the client default.
	RequestsPerSecond float64

	// BaseURL overrides the Cloudflare API endpoint.
	BaseURL string
	// HTTPClient overrides the client used for API calls.
	HTTPClient *http.Client
}

// CloudflareRouter publishes routes as Cloudflare Tunnel ingress rules with
// a proxied CNAME per hostname. The CNAME comment records the owning route
// name.
type CloudflareRouter struct {
	api      *cloudflare.API
	account  *cloudflare.ResourceContainer
	zone     *cloudflare.ResourceContainer
	tunnelID string

	leases   lease.Store
	leaseTTL time.Duration
	lockWait wait.Backoff
}

var _ Router = (*CloudflareRouter)(nil)

// NewCloudflareRouter validates cfg and returns a router.
func NewCloudflareRouter(cfg CloudflareConfig) (*CloudflareRouter, error) {
	if cfg.APIToken == "" || cfg.AccountID == "" || cfg.TunnelID == "" || cfg.ZoneID == "" {
		return nil, errdefs.Validation("cloudflare router needs an API token, account, tunnel and zone")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	opts := []cloudflare.Option{
		cloudflare.HTTPClient(hc),
		cloudflare.UsingRetryPolicy(cfg.MaxRetries, 1, 30),
		cloudflare.UserAgent("paasd"),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, cloudflare.BaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}
	if cfg.RequestsPerSecond > 0 {
		opts = append(opts, cloudflare.UsingRateLimit(cfg.RequestsPerSecond))
	}
	api, err := cloudflare.NewWithAPIToken(cfg.APIToken, opts...)
	if err != nil {
		return nil, errdefs.Validation("cloudflare client: %v", err)
	}

	r := &CloudflareRouter{
		api:      api,
		account:  cloudflare.AccountIdentifier(cfg.AccountID),
		zone:     cloudflare.ZoneIdentifier(cfg.ZoneID),
		tunnelID: cfg.TunnelID,
		leases:   cfg.Leases,
		leaseTTL: cfg.LeaseTTL,
		lockWait: DefaultTunnelLockWait,
	}
	if r.leases == nil {
		r.leases = lease.NewMemoryStore()
	}
	if r.leaseTTL <= 0 {
		r.leaseTTL = defaultTunnelLeaseTTL
	}
	if cfg.LockWait != nil {
		r.lockWait = *cfg.LockWait
	}
	return r, nil
}

func routeComment(name string) string { return routeCommentPrefix + name }

func routeOwner(comment string) string {
	owner, ok := strings.CutPrefix(comment, routeCommentPrefix)
	if !ok {
		return ""
	}
	return owner
}

func originService(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "http://" + target
}

func (r *CloudflareRouter) tunnelCNAME() string {
	return r.tunnelID + ".cfargotunnel.com"
}

// withTunnel runs fn while holding the tunnel configuration lease, waiting
// for other writers in this process or in other replicas.
func (r *CloudflareRouter) withTunnel(ctx context.Context, fn func(ctx context.Context) error) error {
	return lease.DoWait(ctx, r.leases, lease.TunnelKey(r.tunnelID), r.leaseTTL, r.lockWait, fn)
}

// UpsertRoute writes the ingress rule for hostname and then its CNAME.
// A rule written without its CNAME is completed by the next call.
func (r *CloudflareRouter) UpsertRoute(ctx context.Context, name, hostname, target string) (res *RouteResult, err error) {
	defer func() { metrics.RecordRouteOperation(cloudflareBackend, "upsert", err) }()
	if err := ValidateRoute(name, hostname, target); err != nil {
		return nil, err
	}
	logger := log.FromContext(ctx).WithValues("route", name, "hostname", hostname)

	err = r.withTunnel(ctx, func(ctx context.Context) error {
		byHost, err := r.listRecords(ctx, cloudflare.ListDNSRecordsParams{Name: hostname})
		if err != nil {
			return err
		}
		for _, rec := range byHost {
			if owner := routeOwner(rec.Comment); owner != name || rec.Type != "CNAME" {
				return &RouteConflictError{Hostname: hostname, Route: name, Owner: owner}
			}
		}
		byName, err := r.listRecords(ctx, cloudflare.ListDNSRecordsParams{Comment: routeComment(name)})
		if err != nil {
			return err
		}

		cfg, err := r.getConfig(ctx)
		if err != nil {
			return err
		}
		changed := false
		var stale []cloudflare.DNSRecord
		for _, rec := range byName {
			if rec.Name != hostname {
				stale = append(stale, rec)
				changed = removeRule(cfg, rec.Name) || changed
			}
		}
		changed = setRule(cfg, hostname, originService(target)) || changed
		if changed {
			if err := r.putConfig(ctx, cfg); err != nil {
				return err
			}
		}

		for _, rec := range stale {
			if err := r.deleteRecord(ctx, rec.ID); err != nil {
				return err
			}
			logger.Info("Moved route off previous hostname", "previousHostname", rec.Name)
		}

		switch {
		case len(byHost) == 0:
			_, err := r.api.CreateDNSRecord(ctx, r.zone, cloudflare.CreateDNSRecordParams{
				Type:    "CNAME",
				Name:    hostname,
				Content: r.tunnelCNAME(),
				Proxied: cloudflare.BoolPtr(true),
				TTL:     1,
				Comment: routeComment(name),
			})
			if err != nil {
				return classify(ctx, "create DNS record", err)
			}
			changed = true
		case byHost[0].Content != r.tunnelCNAME() || byHost[0].Proxied == nil || !*byHost[0].Proxied:
			_, err := r.api.UpdateDNSRecord(ctx, r.zone, cloudflare.UpdateDNSRecordParams{
				ID:      byHost[0].ID,
				Type:    "CNAME",
				Name:    hostname,
				Content: r.tunnelCNAME(),
				Proxied: cloudflare.BoolPtr(true),
				Comment: cloudflare.StringPtr(routeComment(name)),
			})
			if err != nil {
				return classify(ctx, "update DNS record", err)
			}
			changed = true
		}

		if changed {
			logger.Info("Published route", "target", target)
		} else {
			logger.V(1).Info("Route already up to date")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &RouteResult{Name: name, Hostname: hostname, Target: target, Enabled: true}, nil
}

// DeleteRoute removes the ingress rules and CNAMEs owned by the route.
func (r *CloudflareRouter) DeleteRoute(ctx context.Context, name string) (err error) {
	defer func() { metrics.RecordRouteOperation(cloudflareBackend, "delete", err) }()

	return r.withTunnel(ctx, func(ctx context.Context) error {
		records, err := r.listRecords(ctx, cloudflare.ListDNSRecordsParams{Comment: routeComment(name)})
		if err != nil || len(records) == 0 {
			return err
		}
		cfg, err := r.getConfig(ctx)
		if err != nil {
			return err
		}
		changed := false
		for _, rec := range records {
			changed = removeRule(cfg, rec.Name) || changed
		}
		if changed {
			if err := r.putConfig(ctx, cfg); err != nil {
				return err
			}
		}
		for _, rec := range records {
			if err := r.deleteRecord(ctx, rec.ID); err != nil {
				return err
			}
		}
		log.FromContext(ctx).Info("Deleted route", "route", name)
		return nil
	})
}

// GetRoute reads the route back from its CNAME and ingress rule.
func (r *CloudflareRouter) GetRoute(ctx context.Context, name string) (*Route, error) {
	records, err := r.listRecords(ctx, cloudflare.ListDNSRecordsParams{Comment: routeComment(name)})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errdefs.NotFound("route", name)
	}
	cfg, err := r.getConfig(ctx)
	if err != nil {
		return nil, err
	}
	route := &Route{Name: name, Hostname: records[0].Name}
	for _, rule := range cfg.Ingress {
		if rule.Hostname == route.Hostname {
			route.Target = strings.TrimPrefix(rule.Service, "http://")
			route.Enabled = true
			break
		}
	}
	return route, nil
}

// setRule points hostname at service, inserting the rule ahead of the
// catch-all. It reports whether the configuration changed.
func setRule(cfg *cloudflare.TunnelConfiguration, hostname, service string) bool {
	for i := range cfg.Ingress {
		if cfg.Ingress[i].Hostname == hostname {
			if cfg.Ingress[i].Service == service {
				return false
			}
			cfg.Ingress[i].Service = service
			return true
		}
	}
	rules := make([]cloudflare.UnvalidatedIngressRule, 0, len(cfg.Ingress)+1)
	for _, rule := range cfg.Ingress {
		if rule.Hostname != "" {
			rules = append(rules, rule)
		}
	}
	rules = append(rules, cloudflare.UnvalidatedIngressRule{Hostname: hostname, Service: service})
	cfg.Ingress = append(rules, catchAll(cfg.Ingress))
	return true
}

func removeRule(cfg *cloudflare.TunnelConfiguration, hostname string) bool {
	rules := make([]cloudflare.UnvalidatedIngressRule, 0, len(cfg.Ingress))
	for _, rule := range cfg.Ingress {
		if rule.Hostname != hostname {
			rules = append(rules, rule)
		}
	}
	removed := len(rules) != len(cfg.Ingress)
	cfg.Ingress = rules
	return removed
}

// catchAll returns the existing hostname-less rule, or the default one.
func catchAll(rules []cloudflare.UnvalidatedIngressRule) cloudflare.UnvalidatedIngressRule {
	for _, rule := range rules {
		if rule.Hostname == "" {
			return rule
		}
	}
	return cloudflare.UnvalidatedIngressRule{Service: catchAllService}
}

func (r *CloudflareRouter) getConfig(ctx context.Context) (*cloudflare.TunnelConfiguration, error) {
	res, err := r.api.GetTunnelConfiguration(ctx, r.account, r.tunnelID)
	if err != nil {
		return nil, classify(ctx, "get tunnel configuration", err)
	}
	return &res.Config, nil
}

func (r *CloudflareRouter) putConfig(ctx context.Context, cfg *cloudflare.TunnelConfiguration) error {
	_, err := r.api.UpdateTunnelConfiguration(ctx, r.account, cloudflare.TunnelConfigurationParams{
		TunnelID: r.tunnelID,
		Config:   *cfg,
	})
	return classify(ctx, "update tunnel configuration", err)
}

// listRecords returns the first page of matching records. Route filters
// match at most a handful of records.
func (r *CloudflareRouter) listRecords(ctx context.Context, params cloudflare.ListDNSRecordsParams) ([]cloudflare.DNSRecord, error) {
	params.ResultInfo = cloudflare.ResultInfo{Page: 1, PerPage: recordsPerPage}
	records, _, err := r.api.ListDNSRecords(ctx, r.zone, params)
	if err != nil {
		return nil, classify(ctx, "list DNS records", err)
	}
	return records, nil
}

func (r *CloudflareRouter) deleteRecord(ctx context.Context, id string) error {
	err := classify(ctx, "delete DNS record", r.api.DeleteDNSRecord(ctx, r.zone, id))
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	return err
}

// classify maps a Cloudflare client error onto the error kinds callers
// branch on.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *cloudflare.NotFoundError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("cloudflare %s: %w: %w", op, errdefs.ErrRemoteTimeout, err)
	case errors.As(err, &notFound):
		return fmt.Errorf("cloudflare %s: %w: %w", op, errdefs.ErrNotFound, err)
	default:
		return fmt.Errorf("cloudflare %s: %w: %w", op, errdefs.ErrRemoteFailure, err)
	}
}
