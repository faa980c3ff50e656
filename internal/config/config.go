// Package config handles loading, validating, and applying
// configuration for poolscaler.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/poolscaler/internal/autoscaler"
	"github.com/terrpan/poolscaler/internal/compute"
	"github.com/terrpan/poolscaler/internal/compute/docker"
	"github.com/terrpan/poolscaler/internal/compute/ec2"
	"github.com/terrpan/poolscaler/internal/compute/gcp"
	githubdir "github.com/terrpan/poolscaler/internal/directory/github"
	"github.com/terrpan/poolscaler/internal/pool"
	"github.com/terrpan/poolscaler/internal/stall"
)

// Provider types.
const (
	ProviderGCP    = "gcp"
	ProviderDocker = "docker"
	ProviderEC2    = "ec2"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub     GitHubConfig     `yaml:"github"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	Stall      StallConfig      `yaml:"stall"`
	Pools      []PoolConfig     `yaml:"pools"`
	Providers  []ProviderConfig `yaml:"providers"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig points the fleet directory at an organization.
type GitHubConfig struct {
	// APIURL is the REST endpoint for GitHub Enterprise Server.
	// Default: "" (github.com).
	APIURL string `yaml:"api_url"`

	// URL is the web URL runners register against.
	// Default: "https://github.com/<organization>".
	URL string `yaml:"url"`

	Organization string `yaml:"organization"`

	// Token is a personal access token with admin:org scope.
	Token string `yaml:"token"`

	// RunnerGroup is the GitHub runner group agents join.  Default: "Default".
	RunnerGroup string `yaml:"runner_group"`

	Webhook WebhookConfig `yaml:"webhook"`

	// APIRequestsPerSecond throttles calls to the API.  Default: 10.
	APIRequestsPerSecond float64 `yaml:"api_rps"`
}

// WebhookConfig describes the organization webhook feeding job events.
type WebhookConfig struct {
	// Secret verifies X-Hub-Signature-256.  Empty disables verification.
	Secret string `yaml:"secret"`

	// HookID is required for startup replay.
	HookID int64 `yaml:"hook_id"`

	// ReplayOnStartup redelivers deliveries that failed while the
	// service was down.  Default: false.
	ReplayOnStartup bool `yaml:"replay_on_startup"`

	// ReplayWindow bounds how far back replay looks.  Default: 1h.
	ReplayWindow time.Duration `yaml:"replay_window"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// AutoscalerConfig tunes the engine.  Zero values take the engine's own
// defaults.
type AutoscalerConfig struct {
	// Group is the value jobs must carry in their group=<name> label.
	// Default: the runner group name, lower-cased.
	Group string `yaml:"group"`

	MaxCreateRetries      int           `yaml:"max_create_retries"`
	MaxPoolFullRetries    int           `yaml:"max_pool_full_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	QueueSize             int           `yaml:"queue_size"`
	UpscaleDedupTTL       time.Duration `yaml:"upscale_dedup_ttl"`
	InFlightTTL           time.Duration `yaml:"in_flight_ttl"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	ReconcileInitialDelay time.Duration `yaml:"reconcile_initial_delay"`
	DeleteThreshold       int           `yaml:"delete_threshold"`
	DeleteCounterTTL      time.Duration `yaml:"delete_counter_ttl"`
	BusyCacheTTL          time.Duration `yaml:"busy_cache_ttl"`
	MetricsInterval       time.Duration `yaml:"metrics_interval"`
}

// StallConfig tunes the stall detector.
type StallConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Interval              time.Duration `yaml:"interval"`
	InitialDelay          time.Duration `yaml:"initial_delay"`
	MaxTimeQueued         time.Duration `yaml:"max_time_queued"`
	MaxTimeBetweenRetries time.Duration `yaml:"max_time_between_retries"`
	MaxRetries            int           `yaml:"max_retries"`
	WatchTTL              time.Duration `yaml:"watch_ttl"`
}

// ---------------------------------------------------------------------------
// Pools & providers
// ---------------------------------------------------------------------------

// PoolConfig is one entry of the pools list.
type PoolConfig struct {
	Name string `yaml:"name"`

	// Provider names an entry of the providers list.  May be omitted
	// when exactly one provider is configured.
	Provider string `yaml:"provider"`

	// MaxInstances caps the pool.  Zero means unlimited.
	MaxInstances int `yaml:"max_instances"`

	// IdleTimeoutMinutes reclaims instances older than this.  Zero
	// disables idle reclamation.
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`

	Default bool `yaml:"default"`
}

// ProviderConfig configures one compute provider.
type ProviderConfig struct {
	// Name is how pools refer to the provider.  Default: the type.
	Name string `yaml:"name"`

	// Type selects the backend: "gcp", "docker" or "ec2".
	Type string `yaml:"type"`

	// StartupScript is a text/template rendered for each instance.
	// Default: a script suited to the provider type.
	StartupScript string `yaml:"startup_script"`

	// CreateTimeout bounds one create call.  Default: provider specific.
	CreateTimeout time.Duration `yaml:"create_timeout"`

	GCP    GCPProviderConfig    `yaml:"gcp"`
	Docker DockerProviderConfig `yaml:"docker"`
	EC2    EC2ProviderConfig    `yaml:"ec2"`
}

// GCPProviderConfig holds Compute Engine settings.
//
// Authentication uses Application Default Credentials.
type GCPProviderConfig struct {
	Project string `yaml:"project"`
	Zone    string `yaml:"zone"`

	// MachineType default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the self-link or family URL of the runner image, e.g.
	// "projects/my-project/global/images/family/runner".
	Image string `yaml:"image"`

	// DiskSizeGB default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network default: "default".
	Network string `yaml:"network"`
	Subnet  string `yaml:"subnet"`

	// PublicIP default: true.  A *bool distinguishes unset from false.
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string `yaml:"service_account"`
}

// DockerProviderConfig holds Docker settings.
type DockerProviderConfig struct {
	// Image default: "ghcr.io/actions/actions-runner:latest".
	Image string `yaml:"image"`

	// User runs the startup script.  Default: "runner".
	User string `yaml:"user"`

	// Dind bind-mounts the host's Docker socket into each runner.
	Dind bool `yaml:"dind"`
}

// EC2ProviderConfig holds EC2 settings.  Credentials come from the
// default AWS chain.
type EC2ProviderConfig struct {
	Region           string            `yaml:"region"`
	AMI              string            `yaml:"ami"`
	InstanceType     string            `yaml:"instance_type"`
	SubnetID         string            `yaml:"subnet_id"`
	SecurityGroupIDs []string          `yaml:"security_group_ids"`
	KeyName          string            `yaml:"key_name"`
	InstanceProfile  string            `yaml:"instance_profile"`
	VolumeSize       int32             `yaml:"volume_size"`
	VolumeType       string            `yaml:"volume_type"`
	Tags             map[string]string `yaml:"tags"`
}

// ---------------------------------------------------------------------------
// Server, logging, OpenTelemetry
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP listener for /webhook, /healthz and
// /metrics.
type ServerConfig struct {
	// Listen default: ":8080".
	Listen string `yaml:"listen"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled turns on OTLP push.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.
	StdOut bool `yaml:"stdout"`

	// Prometheus serves /metrics.  Default: true.
	Prometheus *bool `yaml:"prometheus"`

	// ExportInterval is the push period for OTLP and stdout metrics.
	// Default: 10s.
	ExportInterval time.Duration `yaml:"export_interval"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path.  A missing file yields a zero
// Config, which flag overrides must fill before Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for unset fields.  Engine tunables
// left at zero are defaulted by the autoscaler and stall packages.
func (c *Config) ApplyDefaults() {
	if c.GitHub.RunnerGroup == "" {
		c.GitHub.RunnerGroup = "Default"
	}
	if c.GitHub.URL == "" && c.GitHub.Organization != "" {
		c.GitHub.URL = "https://github.com/" + c.GitHub.Organization
	}
	if c.GitHub.APIRequestsPerSecond == 0 {
		c.GitHub.APIRequestsPerSecond = 10
	}
	if c.GitHub.Webhook.ReplayWindow == 0 {
		c.GitHub.Webhook.ReplayWindow = time.Hour
	}
	if c.Autoscaler.Group == "" {
		c.Autoscaler.Group = c.GitHub.RunnerGroup
	}
	c.Autoscaler.Group = strings.ToLower(c.Autoscaler.Group)
	if c.Autoscaler.UpscaleDedupTTL == 0 {
		c.Autoscaler.UpscaleDedupTTL = 5 * time.Minute
	}
	if c.Stall.MaxTimeQueued == 0 {
		c.Stall.MaxTimeQueued = 10 * time.Minute
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			p.Name = p.Type
		}
		switch p.Type {
		case ProviderGCP:
			if p.GCP.MachineType == "" {
				p.GCP.MachineType = "e2-medium"
			}
			if p.GCP.DiskSizeGB == 0 {
				p.GCP.DiskSizeGB = 50
			}
			if p.GCP.Network == "" {
				p.GCP.Network = "default"
			}
			if p.GCP.PublicIP == nil {
				t := true
				p.GCP.PublicIP = &t
			}
		case ProviderDocker:
			if p.Docker.Image == "" {
				p.Docker.Image = "ghcr.io/actions/actions-runner:latest"
			}
		}
	}
	if len(c.Providers) == 1 {
		for i := range c.Pools {
			if c.Pools[i].Provider == "" {
				c.Pools[i].Provider = c.Providers[0].Name
			}
		}
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
	if c.OTel.ExportInterval == 0 {
		c.OTel.ExportInterval = 10 * time.Second
	}
}

// Validate applies defaults and checks that required fields are present
// and consistent.  It returns the first problem found.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.Organization == "" {
		return fmt.Errorf("github.organization is required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}
	if c.GitHub.APIURL != "" {
		if _, err := url.ParseRequestURI(c.GitHub.APIURL); err != nil {
			return fmt.Errorf("github.api_url: invalid URL %q: %w", c.GitHub.APIURL, err)
		}
	}
	if c.GitHub.Webhook.ReplayOnStartup && c.GitHub.Webhook.HookID == 0 {
		return fmt.Errorf("github.webhook.hook_id is required when replay_on_startup is set")
	}

	// A resubmitted job must not still be marked as upscaled.
	if c.Stall.Enabled && c.Stall.MaxTimeQueued <= c.Autoscaler.UpscaleDedupTTL {
		return fmt.Errorf("stall.max_time_queued (%s) must exceed autoscaler.upscale_dedup_ttl (%s)",
			c.Stall.MaxTimeQueued, c.Autoscaler.UpscaleDedupTTL)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(i); err != nil {
			return err
		}
	}

	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	if _, _, err := c.BuildPools(); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

func (p ProviderConfig) validate(i int) error {
	switch p.Type {
	case ProviderGCP:
		if p.GCP.Project == "" {
			return fmt.Errorf("providers[%d].gcp.project is required", i)
		}
		if p.GCP.Zone == "" {
			return fmt.Errorf("providers[%d].gcp.zone is required", i)
		}
		if p.GCP.Image == "" {
			return fmt.Errorf("providers[%d].gcp.image is required", i)
		}
	case ProviderDocker:
		// OK
	case ProviderEC2:
		if p.EC2.Region == "" {
			return fmt.Errorf("providers[%d].ec2.region is required", i)
		}
		if p.EC2.AMI == "" {
			return fmt.Errorf("providers[%d].ec2.ami is required", i)
		}
	default:
		return fmt.Errorf("providers[%d].type %q is not supported (supported: gcp, docker, ec2)", i, p.Type)
	}
	return nil
}

// BuildPools converts the pools list into action pools.  Warnings flag
// legal but risky settings; an error means the list cannot be used.
func (c *Config) BuildPools() ([]pool.ActionPool, []string, error) {
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		providers[p.Name] = true
	}

	var (
		pools    []pool.ActionPool
		warnings []string
	)
	for i, pc := range c.Pools {
		if pc.IdleTimeoutMinutes < 0 {
			return nil, nil, fmt.Errorf("pools[%d].idle_timeout_minutes must not be negative", i)
		}
		ap := pool.ActionPool{
			Name:         strings.ToLower(pc.Name),
			Provider:     pc.Provider,
			MaxInstances: pc.MaxInstances,
			IdleTimeout:  time.Duration(pc.IdleTimeoutMinutes) * time.Minute,
			Default:      pc.Default,
		}
		if err := ap.Validate(); err != nil {
			return nil, nil, fmt.Errorf("pools[%d]: %w", i, err)
		}
		if !providers[ap.Provider] {
			return nil, nil, fmt.Errorf("pools[%d].provider %q is not configured", i, ap.Provider)
		}
		if ap.IdleTimeout == 0 {
			warnings = append(warnings, fmt.Sprintf("pool %s has no idle timeout; instances whose agent never registers are kept", ap.Name))
		}
		if ap.Unlimited() {
			warnings = append(warnings, fmt.Sprintf("pool %s has no max_instances", ap.Name))
		}
		pools = append(pools, ap)
	}

	if _, err := pool.NewRegistry(pools); err != nil {
		return nil, nil, fmt.Errorf("pools: %w", err)
	}
	return pools, warnings, nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDirectory connects to GitHub and resolves the runner group.
func (c *Config) NewDirectory(ctx context.Context, logger *slog.Logger) (*githubdir.Directory, error) {
	return githubdir.New(ctx, githubdir.Config{
		APIURL:            c.GitHub.APIURL,
		Token:             c.GitHub.Token,
		Organization:      c.GitHub.Organization,
		RunnerGroup:       c.GitHub.RunnerGroup,
		HookID:            c.GitHub.Webhook.HookID,
		DeliveryWindow:    c.GitHub.Webhook.ReplayWindow,
		RequestsPerSecond: c.GitHub.APIRequestsPerSecond,
	}, logger.WithGroup("directory.github"))
}

// NewProviders creates every configured provider.  Each gets a startup
// script bound to tokens and the pools that name it.  On error, providers
// created so far are closed.
func (c *Config) NewProviders(ctx context.Context, tokens compute.TokenSource, pools []pool.ActionPool, logger *slog.Logger) ([]compute.Provider, error) {
	var out []compute.Provider
	closeAll := func() {
		for _, p := range out {
			_ = p.Close()
		}
	}

	for _, pc := range c.Providers {
		p, err := c.newProvider(ctx, pc, tokens, poolsFor(pc.Name, pools), logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Config) newProvider(ctx context.Context, pc ProviderConfig, tokens compute.TokenSource, pools []string, logger *slog.Logger) (compute.Provider, error) {
	script := pc.StartupScript
	if script == "" && pc.Type == ProviderDocker {
		script = compute.DefaultContainerScript
	}
	bootstrap, err := compute.NewBootstrap(tokens, c.GitHub.URL, c.GitHub.RunnerGroup, script)
	if err != nil {
		return nil, err
	}

	switch pc.Type {
	case ProviderGCP:
		return gcp.New(ctx, gcp.Config{
			Name:           pc.Name,
			Project:        pc.GCP.Project,
			Zone:           pc.GCP.Zone,
			MachineType:    pc.GCP.MachineType,
			Image:          pc.GCP.Image,
			DiskSizeGB:     pc.GCP.DiskSizeGB,
			Network:        pc.GCP.Network,
			Subnet:         pc.GCP.Subnet,
			PublicIP:       *pc.GCP.PublicIP,
			ServiceAccount: pc.GCP.ServiceAccount,
			Pools:          pools,
			CreateTimeout:  pc.CreateTimeout,
		}, bootstrap, logger.WithGroup("compute.gcp"))
	case ProviderDocker:
		return docker.New(ctx, docker.Config{
			Name:          pc.Name,
			Image:         pc.Docker.Image,
			User:          pc.Docker.User,
			Dind:          pc.Docker.Dind,
			Pools:         pools,
			CreateTimeout: pc.CreateTimeout,
		}, bootstrap, logger.WithGroup("compute.docker"))
	case ProviderEC2:
		return ec2.New(ctx, ec2.Config{
			Name:             pc.Name,
			Region:           pc.EC2.Region,
			AMI:              pc.EC2.AMI,
			InstanceType:     pc.EC2.InstanceType,
			SubnetID:         pc.EC2.SubnetID,
			SecurityGroupIDs: pc.EC2.SecurityGroupIDs,
			KeyName:          pc.EC2.KeyName,
			InstanceProfile:  pc.EC2.InstanceProfile,
			VolumeSize:       pc.EC2.VolumeSize,
			VolumeType:       pc.EC2.VolumeType,
			Tags:             pc.EC2.Tags,
			Pools:            pools,
			CreateTimeout:    pc.CreateTimeout,
		}, bootstrap, logger.WithGroup("compute.ec2"))
	default:
		return nil, errors.New("unsupported provider type: " + pc.Type)
	}
}

func poolsFor(provider string, pools []pool.ActionPool) []string {
	var names []string
	for _, p := range pools {
		if p.Provider == provider {
			names = append(names, p.Name)
		}
	}
	return names
}

// AutoscalerSettings maps the engine settings onto autoscaler.Config.  The
// caller supplies the collaborators.
func (c *Config) AutoscalerSettings() autoscaler.Config {
	a := c.Autoscaler
	return autoscaler.Config{
		Group:                 a.Group,
		MaxCreateRetries:      a.MaxCreateRetries,
		MaxPoolFullRetries:    a.MaxPoolFullRetries,
		RetryDelay:            a.RetryDelay,
		QueueSize:             a.QueueSize,
		DedupTTL:              a.UpscaleDedupTTL,
		InFlightTTL:           a.InFlightTTL,
		ReconcileInterval:     a.ReconcileInterval,
		ReconcileInitialDelay: a.ReconcileInitialDelay,
		DeleteThreshold:       a.DeleteThreshold,
		DeleteCounterTTL:      a.DeleteCounterTTL,
		BusyCacheTTL:          a.BusyCacheTTL,
		MetricsInterval:       a.MetricsInterval,
	}
}

// StallSettings maps the stall section onto stall.Config.
func (c *Config) StallSettings(checker stall.QueueChecker, logger *slog.Logger) stall.Config {
	s := c.Stall
	return stall.Config{
		Checker:               checker,
		Logger:                logger,
		Interval:              s.Interval,
		InitialDelay:          s.InitialDelay,
		MaxTimeQueued:         s.MaxTimeQueued,
		MaxTimeBetweenRetries: s.MaxTimeBetweenRetries,
		MaxRetries:            s.MaxRetries,
		WatchTTL:              s.WatchTTL,
	}
}
