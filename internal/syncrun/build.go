package syncrun

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/pingsantohq/naginator/internal/certs"
	"github.com/pingsantohq/naginator/internal/config"
	"github.com/pingsantohq/naginator/internal/inventory"
	"github.com/pingsantohq/naginator/internal/logging"
	"github.com/pingsantohq/naginator/internal/reload"
	"github.com/pingsantohq/naginator/internal/render"
	"github.com/pingsantohq/naginator/internal/writer"
)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Logger     *zap.Logger
	Now        func() time.Time
	NewRunID   func() string
	HTTPClient *http.Client
	Fs         afero.Fs
	Commands   reload.CommandRunner
}

// Build wires every stage from cfg. cfg must already be validated.
func Build(ctx context.Context, cfg config.Config, deps Dependencies) (*Runner, error) {
	logger := logging.OrNop(deps.Logger)

	c, err := BuildComponents(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	return New(c, Options{
		LockPath:         cfg.LockPath(),
		StateFile:        cfg.Run.StateFile,
		KeepFailedConfig: cfg.Nagios.KeepFailedConfig,
		UpdateOnly:       cfg.Run.UpdateOnly,
		NoValidate:       cfg.Run.NoValidate,
		DryRun:           cfg.Run.DryRun,
	}, Dependencies{Logger: logger, Now: deps.Now, NewRunID: deps.NewRunID})
}

// BuildComponents constructs the inventory source, renderer, writer and
// reload controller described by cfg.
func BuildComponents(ctx context.Context, cfg config.Config, deps Dependencies) (Components, error) {
	logger := logging.OrNop(deps.Logger)

	httpClient, err := inventoryHTTPClient(cfg.Inventory, deps.HTTPClient)
	if err != nil {
		return Components{}, err
	}
	if cfg.Inventory.ClientCert != "" {
		now := time.Now
		if deps.Now != nil {
			now = deps.Now
		}
		warnCertExpiry(logger, cfg.Inventory.ClientCert, now())
	}
	hostGroups := lo.Map(cfg.HostGroups, func(rule config.HostGroupRule, _ int) render.HostGroupRule {
		return render.HostGroupRule{Name: rule.Name, Alias: rule.Alias, Match: rule.Match, Resources: rule.Resources}
	})
	source, err := inventory.NewSource(cfg.Inventory.Kind, inventory.Config{
		BaseURL:           inventory.BaseURL(cfg.Inventory.Scheme, cfg.Inventory.Host, cfg.Inventory.Port),
		Path:              cfg.Inventory.Path,
		Timeout:           cfg.Inventory.Timeout,
		RequestsPerSecond: cfg.Inventory.RequestsPerSecond,
		Environment:       cfg.Inventory.Environment,
		Query:             cfg.Inventory.Query,
		ExcludedTypes:     cfg.Inventory.ExcludedTypes,
		Resources:         render.ResourceRefs(hostGroups),
	}, inventory.Dependencies{HTTPClient: httpClient, Logger: logger.Named("inventory")})
	if err != nil {
		return Components{}, fmt.Errorf("inventory: %w", err)
	}

	renderer, err := render.New(ctx, render.Options{
		GroupBy:           cfg.Render.GroupBy,
		TemplateSet:       cfg.Render.TemplateSet,
		TemplatePublicKey: cfg.Render.TemplatePublicKey,
		OutputDir:         cfg.Nagios.OutputDir,
		HostGroups:        hostGroups,
		AutoServiceGroups: cfg.Render.AutoServiceGroups,
		AddressFact:       cfg.Render.AddressFact,
		Workers:           cfg.Run.Workers,
	}, render.Dependencies{Logger: logger})
	if err != nil {
		return Components{}, fmt.Errorf("templates: %w", err)
	}

	keep := []string{cfg.LockPath()}
	if cfg.Run.StateFile != "" {
		keep = append(keep, cfg.Run.StateFile)
	}
	w, err := writer.New(writer.Options{
		Root:    cfg.Nagios.OutputDir,
		DryRun:  cfg.Run.DryRun,
		Workers: cfg.Run.Workers,
		Keep:    keep,
	}, writer.Dependencies{Fs: deps.Fs, Logger: logger})
	if err != nil {
		return Components{}, fmt.Errorf("writer: %w", err)
	}

	validator, err := reload.NewValidator(reload.ValidatorConfig{
		Binary:        cfg.Nagios.Binary,
		MainConfig:    cfg.Nagios.MainConfig,
		OutputDir:     cfg.Nagios.OutputDir,
		ExtraCfgDirs:  cfg.Nagios.ExtraCfgDirs,
		ExtraCfgFiles: cfg.Nagios.ExtraCfgFiles,
	}, deps.Commands, logger)
	if err != nil {
		return Components{}, fmt.Errorf("validator: %w", err)
	}
	reloader := reload.NewReloader(cfg.Nagios.ReloadCommand, cfg.Nagios.PIDFile, deps.Commands, logger)

	return Components{
		Source:     source,
		Renderer:   renderer,
		Writer:     w,
		Controller: reload.NewController(validator, reloader, cfg.Nagios.Timeout, logger),
	}, nil
}

// certExpiryWarning is how early an expiring client certificate is logged.
const certExpiryWarning = 14 * 24 * time.Hour

func warnCertExpiry(logger *zap.Logger, certPath string, now time.Time) {
	soon, expiry, err := certs.ExpiresWithin(certPath, certExpiryWarning, now)
	switch {
	case err != nil:
		logger.Warn("cannot read inventory client certificate", zap.String("path", certPath), zap.Error(err))
	case soon:
		logger.Warn("inventory client certificate expires soon",
			zap.String("path", certPath), zap.Time("not_after", expiry))
	}
}

func inventoryHTTPClient(cfg config.InventoryConfig, override *http.Client) (*http.Client, error) {
	if override != nil {
		return override, nil
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	paths := certs.Paths{CA: cfg.CACert, Cert: cfg.ClientCert, Key: cfg.ClientKey}
	if !paths.Empty() {
		tlsConfig, err := certs.LoadClientTLSConfig(paths, cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("inventory tls: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &http.Client{Transport: transport}, nil
}
