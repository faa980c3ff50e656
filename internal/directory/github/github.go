// Package github implements directory.Directory against the GitHub REST
// API for an organization's self-hosted runners.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/time/rate"

	"github.com/terrpan/poolscaler/internal/buildinfo"
	"github.com/terrpan/poolscaler/internal/directory"
)

// tokenRefreshMargin is how long before expiry a cached registration
// token is replaced.
const tokenRefreshMargin = 5 * time.Minute

// Config holds the GitHub directory settings.
type Config struct {
	// APIURL is the REST endpoint for GitHub Enterprise Server.  Empty
	// means github.com.
	APIURL string

	// Token is a personal access token with admin:org scope.
	Token string

	// Organization owns the runner group and the webhook.
	Organization string

	// RunnerGroup is the name of the group agents register into.
	RunnerGroup string

	// HookID identifies the organization webhook whose deliveries are
	// replayed on startup.  Zero disables delivery listing.
	HookID int64

	// DeliveryWindow bounds how far back ListRecentDeliveries looks.
	DeliveryWindow time.Duration

	// RequestsPerSecond throttles outbound calls.  Zero means unthrottled.
	RequestsPerSecond float64
}

// Directory talks to GitHub.
type Directory struct {
	client  *github.Client
	cfg     Config
	groupID int64
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// Compile-time check.
var _ directory.Directory = (*Directory)(nil)

// New creates a Directory and resolves the runner group by name.  A group
// that cannot be resolved is a startup error.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Directory, error) {
	client := github.NewClient(nil).WithAuthToken(cfg.Token)
	if cfg.APIURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.APIURL, cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("github api url %q: %w", cfg.APIURL, err)
		}
	}
	client.UserAgent = buildinfo.UserAgent()

	d := newDirectory(client, cfg, logger)
	if err := d.resolveGroup(ctx); err != nil {
		return nil, err
	}

	logger.Info("github directory initialized",
		slog.String("organization", cfg.Organization),
		slog.String("runnerGroup", cfg.RunnerGroup),
		slog.Int64("runnerGroupID", d.groupID),
		slog.Int64("hookID", cfg.HookID),
	)
	return d, nil
}

// newDirectory wires a Directory around an existing client.
func newDirectory(client *github.Client, cfg Config, logger *slog.Logger) *Directory {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Directory{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
	}
}

// GroupID returns the resolved runner group id.
func (d *Directory) GroupID() int64 {
	return d.groupID
}

func (d *Directory) resolveGroup(ctx context.Context) error {
	opts := &github.ListOrgRunnerGroupOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		groups, resp, err := d.client.Actions.ListOrganizationRunnerGroups(ctx, d.cfg.Organization, opts)
		if err != nil {
			return fmt.Errorf("listing runner groups for %s: %w", d.cfg.Organization, err)
		}
		for _, g := range groups.RunnerGroups {
			if g.GetName() == d.cfg.RunnerGroup {
				d.groupID = g.GetID()
				return nil
			}
		}
		if resp.NextPage == 0 {
			return fmt.Errorf("runner group %q not found in %s", d.cfg.RunnerGroup, d.cfg.Organization)
		}
		opts.Page = resp.NextPage
	}
}

// RegistrationToken returns a cached organization registration token,
// minting a new one when the cached token is close to expiry.
func (d *Directory) RegistrationToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.token != "" && d.now().Add(tokenRefreshMargin).Before(d.tokenExpires) {
		return d.token, nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return "", err
	}
	tok, _, err := d.client.Actions.CreateOrganizationRegistrationToken(ctx, d.cfg.Organization)
	if err != nil {
		return "", fmt.Errorf("creating registration token: %w", err)
	}
	if tok.GetToken() == "" {
		return "", errors.New("github returned an empty registration token")
	}

	d.token = tok.GetToken()
	d.tokenExpires = tok.GetExpiresAt().Time
	d.logger.Debug("registration token refreshed", slog.Time("expiresAt", d.tokenExpires))
	return d.token, nil
}

// ListAgents pages through the runner group.
func (d *Directory) ListAgents(ctx context.Context) ([]directory.Agent, error) {
	var agents []directory.Agent
	opts := &github.ListOptions{PerPage: 100}
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		runners, resp, err := d.client.Actions.ListRunnerGroupRunners(ctx, d.cfg.Organization, d.groupID, opts)
		if err != nil {
			return nil, fmt.Errorf("listing runners in group %d: %w", d.groupID, err)
		}
		for _, r := range runners.Runners {
			agents = append(agents, toAgent(r))
		}
		if resp.NextPage == 0 {
			return agents, nil
		}
		opts.Page = resp.NextPage
	}
}

func toAgent(r *github.Runner) directory.Agent {
	labels := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		labels = append(labels, l.GetName())
	}
	return directory.Agent{
		ID:     r.GetID(),
		Name:   r.GetName(),
		Status: r.GetStatus(),
		Busy:   r.GetBusy(),
		Labels: labels,
	}
}

// DeleteAgent removes a runner registration.  A runner that is already
// gone counts as deleted.
func (d *Directory) DeleteAgent(ctx context.Context, id int64) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := d.client.Actions.RemoveOrganizationRunner(ctx, d.cfg.Organization, id)
	if err != nil {
		if isStatus(resp, http.StatusNotFound) {
			d.logger.Info("agent already removed", slog.Int64("agentID", id))
			return nil
		}
		return fmt.Errorf("removing runner %d: %w", id, err)
	}
	return nil
}

// IsJobStillQueued fetches the job by its API URL.
func (d *Directory) IsJobStillQueued(ctx context.Context, jobURL string) (bool, error) {
	if jobURL == "" {
		return false, errors.New("job has no api url")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return false, err
	}
	req, err := d.client.NewRequest(http.MethodGet, jobURL, nil)
	if err != nil {
		return false, fmt.Errorf("building job request: %w", err)
	}
	var wj github.WorkflowJob
	resp, err := d.client.Do(ctx, req, &wj)
	if err != nil {
		if isStatus(resp, http.StatusNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetching job %s: %w", jobURL, err)
	}
	return wj.GetStatus() == "queued", nil
}

// ListRecentDeliveries walks the hook's delivery log back to the
// configured window.
func (d *Directory) ListRecentDeliveries(ctx context.Context) ([]directory.Delivery, error) {
	if d.cfg.HookID == 0 {
		return nil, errors.New("no webhook id configured")
	}

	var cutoff time.Time
	if d.cfg.DeliveryWindow > 0 {
		cutoff = d.now().Add(-d.cfg.DeliveryWindow)
	}

	var out []directory.Delivery
	opts := &github.ListCursorOptions{PerPage: 100}
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		deliveries, resp, err := d.client.Organizations.ListHookDeliveries(ctx, d.cfg.Organization, d.cfg.HookID, opts)
		if err != nil {
			return nil, fmt.Errorf("listing deliveries for hook %d: %w", d.cfg.HookID, err)
		}
		for _, hd := range deliveries {
			delivered := hd.GetDeliveredAt().Time
			if !cutoff.IsZero() && delivered.Before(cutoff) {
				return out, nil
			}
			out = append(out, directory.Delivery{
				ID:          hd.GetID(),
				GUID:        hd.GetGUID(),
				DeliveredAt: delivered,
				StatusCode:  hd.GetStatusCode(),
				Event:       hd.GetEvent(),
			})
		}
		if resp.Cursor == "" || len(deliveries) == 0 {
			return out, nil
		}
		opts.Cursor = resp.Cursor
	}
}

// RedeliverFailure asks GitHub to resend a delivery.
func (d *Directory) RedeliverFailure(ctx context.Context, id int64) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := d.client.Organizations.RedeliverHookDelivery(ctx, d.cfg.Organization, d.cfg.HookID, id)
	var accepted *github.AcceptedError
	if err != nil && !errors.As(err, &accepted) {
		return fmt.Errorf("redelivering %d: %w", id, err)
	}
	return nil
}

func isStatus(resp *github.Response, code int) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == code
}
