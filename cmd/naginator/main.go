package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pingsantohq/naginator/internal/config"
	"github.com/pingsantohq/naginator/internal/logging"
	"github.com/pingsantohq/naginator/internal/reload"
	"github.com/pingsantohq/naginator/internal/syncrun"
)

var version = "dev"

// errFailed marks a failure that has already been reported.
var errFailed = errors.New("failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr, syncrun.Dependencies{})
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	verbosity  int
	host       string
	port       int
	outputDir  string
	updateOnly bool
	dryRun     bool
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer, deps syncrun.Dependencies) int {
	root := newRootCommand(stdout, deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(stderr, "naginator: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(stdout io.Writer, deps syncrun.Dependencies) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "naginator",
		Short:         "Generate Nagios configuration from an inventory",
		Long:          "naginator fetches hosts and checks from PuppetDB or a JSON inventory, writes the Nagios object configuration that changed and reloads Nagios.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, o, stdout, deps)
		},
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "configuration file (default $NAGINATOR_CONFIG or "+config.DefaultConfigPath+")")
	root.PersistentFlags().CountVarP(&o.verbosity, "verbose", "v", "increase verbosity (repeatable)")
	root.PersistentFlags().StringVar(&o.host, "host", "", "inventory host")
	root.PersistentFlags().IntVar(&o.port, "port", 0, "inventory port")
	root.PersistentFlags().StringVar(&o.outputDir, "output-dir", "", "directory the generated configuration is written to")
	addRunFlags(root, o)

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Fetch, render, write and reload (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, o, stdout, deps)
		},
	}
	addRunFlags(sync, o)

	render := &cobra.Command{
		Use:   "render",
		Short: "Fetch and render into --output-dir without validating or reloading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.outputDir == "" {
				return errors.New("--output-dir is required")
			}
			return runSync(cmd, o, stdout, deps)
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Validate the current configuration with the Nagios binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, o, stdout, deps)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "naginator %s\n", version)
		},
	}

	root.AddCommand(sync, render, verify, versionCmd)
	return root
}

func addRunFlags(cmd *cobra.Command, o *options) {
	cmd.Flags().BoolVar(&o.updateOnly, "update-only", false, "write and validate the configuration but do not reload")
	cmd.Flags().BoolVar(&o.updateOnly, "no-restart", false, "alias for --update-only")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "report what would change without writing")
}

// loadConfig layers flags over the file and environment.
func loadConfig(ctx context.Context, o *options, render bool) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(ctx, o.configPath)
	} else {
		cfg, err = config.LoadFromEnv(ctx)
	}
	if err != nil {
		return cfg, err
	}
	if o.host != "" {
		cfg.Inventory.Host = o.host
	}
	if o.port != 0 {
		cfg.Inventory.Port = o.port
	}
	if o.outputDir != "" {
		cfg.Nagios.OutputDir = o.outputDir
	}
	if o.updateOnly {
		cfg.Run.UpdateOnly = true
	}
	if o.dryRun {
		cfg.Run.DryRun = true
	}
	if render {
		cfg.Run.UpdateOnly = true
		cfg.Run.NoValidate = true
		cfg.Run.StateFile = ""
		cfg.Run.LockFile = ""
	}
	return cfg, cfg.Validate()
}

func newLogger(o *options, deps syncrun.Dependencies) (*zap.Logger, func(), error) {
	if deps.Logger != nil {
		return deps.Logger, func() {}, nil
	}
	logger, err := logging.New(o.verbosity)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func runSync(cmd *cobra.Command, o *options, stdout io.Writer, deps syncrun.Dependencies) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, o, cmd.Name() == "render")
	if err != nil {
		return err
	}
	logger, flush, err := newLogger(o, deps)
	if err != nil {
		return err
	}
	defer flush()
	deps.Logger = logger

	runner, err := syncrun.Build(ctx, cfg, deps)
	if err != nil {
		return err
	}
	res := runner.Run(ctx)
	fmt.Fprintln(stdout, res.Line())
	if res.ExitCode() != 0 {
		return errFailed
	}
	return nil
}

func runVerify(cmd *cobra.Command, o *options, stdout io.Writer, deps syncrun.Dependencies) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, o, false)
	if err != nil {
		return err
	}
	logger, flush, err := newLogger(o, deps)
	if err != nil {
		return err
	}
	defer flush()
	deps.Logger = logger

	c, err := syncrun.BuildComponents(ctx, cfg, deps)
	if err != nil {
		return err
	}
	if err := c.Controller.Validate(ctx); err != nil {
		var verr *reload.ValidationError
		if errors.As(err, &verr) {
			for _, line := range verr.Diagnostics() {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
		}
		return err
	}
	fmt.Fprintln(stdout, "configuration OK")
	return nil
}
