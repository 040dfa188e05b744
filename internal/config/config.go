package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "NAGINATOR_CONFIG"
	envPrefix         = "NAGINATOR_"
	DefaultConfigPath = "/etc/naginator/naginator.yaml"
)

const (
	KindPuppetDB = "puppetdb"
	KindJSON     = "json"

	GroupByHost    = "host"
	GroupByService = "service"
)

const (
	defaultInventoryPort    = 8080
	defaultInventoryTimeout = 20 * time.Second
	defaultNagiosTimeout    = 60 * time.Second
	defaultRequestsPerSec   = 10
	defaultNagiosBinary     = "/usr/sbin/nagios4"
	defaultCommandsCfg      = "/etc/nagios4/commands.cfg"
	defaultPluginCfgDir     = "/etc/nagios-plugins/config"
	defaultAddressFact      = "ipaddress"
	defaultJSONPath         = "/inventory"
	lockFileName            = ".naginator.lock"
)

type Config struct {
	Inventory  InventoryConfig `yaml:"inventory" toml:"inventory"`
	Render     RenderConfig    `yaml:"render" toml:"render"`
	Nagios     NagiosConfig    `yaml:"nagios" toml:"nagios"`
	Run        RunConfig       `yaml:"run" toml:"run"`
	HostGroups []HostGroupRule `yaml:"hostgroups" toml:"hostgroups" validate:"dive"`
}

// InventoryConfig holds the connection parameters of the inventory source.
type InventoryConfig struct {
	Kind              string            `yaml:"kind" toml:"kind" env:"KIND" validate:"oneof=puppetdb json"`
	Host              string            `yaml:"host" toml:"host" env:"HOST" validate:"required"`
	Port              int               `yaml:"port" toml:"port" env:"PORT" validate:"min=1,max=65535"`
	Scheme            string            `yaml:"scheme" toml:"scheme" env:"SCHEME" validate:"oneof=http https"`
	Path              string            `yaml:"path" toml:"path" env:"PATH"`
	Environment       string            `yaml:"environment" toml:"environment" env:"ENVIRONMENT"`
	Query             map[string]string `yaml:"query" toml:"query" env:"QUERY"`
	CACert            string            `yaml:"ca_cert" toml:"ca_cert" env:"CA_CERT"`
	ClientCert        string            `yaml:"ssl_cert" toml:"ssl_cert" env:"SSL_CERT" validate:"required_with=ClientKey"`
	ClientKey         string            `yaml:"ssl_key" toml:"ssl_key" env:"SSL_KEY" validate:"required_with=ClientCert"`
	Timeout           time.Duration     `yaml:"timeout" toml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	RequestsPerSecond float64           `yaml:"requests_per_second" toml:"requests_per_second" env:"REQUESTS_PER_SECOND" validate:"gte=0"`
	ExcludedTypes     []string          `yaml:"excluded_types" toml:"excluded_types" env:"EXCLUDED_TYPES"`
}

// RenderConfig controls file granularity and formatting.
type RenderConfig struct {
	GroupBy           string `yaml:"group_by" toml:"group_by" env:"GROUP_BY" validate:"oneof=host service"`
	TemplateSet       string `yaml:"template_set" toml:"template_set" env:"TEMPLATE_SET"`
	TemplatePublicKey string `yaml:"template_public_key" toml:"template_public_key" env:"TEMPLATE_PUBLIC_KEY"`
	AddressFact       string `yaml:"address_fact" toml:"address_fact" env:"ADDRESS_FACT"`
	AutoServiceGroups bool   `yaml:"auto_servicegroups" toml:"auto_servicegroups" env:"AUTO_SERVICEGROUPS"`
}

type NagiosConfig struct {
	OutputDir        string        `yaml:"output_dir" toml:"output_dir" env:"OUTPUT_DIR" validate:"required"`
	Binary           string        `yaml:"binary" toml:"binary" env:"BINARY"`
	MainConfig       string        `yaml:"nagios_cfg" toml:"nagios_cfg" env:"CFG"`
	ExtraCfgDirs     []string      `yaml:"extra_cfg_dirs" toml:"extra_cfg_dirs" env:"EXTRA_CFG_DIRS"`
	ExtraCfgFiles    []string      `yaml:"extra_cfg_files" toml:"extra_cfg_files" env:"EXTRA_CFG_FILES"`
	ReloadCommand    []string      `yaml:"reload_command" toml:"reload_command" env:"RELOAD_COMMAND" envSeparator:" "`
	PIDFile          string        `yaml:"pid_file" toml:"pid_file" env:"PID_FILE"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	KeepFailedConfig bool          `yaml:"keep_failed_config" toml:"keep_failed_config" env:"KEEP_FAILED_CONFIG"`
}

type RunConfig struct {
	UpdateOnly bool   `yaml:"update_only" toml:"update_only" env:"UPDATE_ONLY"`
	DryRun     bool   `yaml:"dry_run" toml:"dry_run" env:"DRY_RUN"`
	Workers    int    `yaml:"workers" toml:"workers" env:"WORKERS" validate:"gte=0"`
	LockFile   string `yaml:"lock_file" toml:"lock_file" env:"LOCK_FILE"`
	StateFile  string `yaml:"state_file" toml:"state_file" env:"STATE_FILE"`
	// NoValidate is set by the render command, whose output is not the
	// tree the daemon loads.
	NoValidate bool `yaml:"-" toml:"-"`
}

// HostGroupRule derives hostgroups from node facts. Name and Alias are Go
// templates over the fact map, e.g. "os_{{ .operatingsystem }}". Resources
// maps a resource type to a title, e.g. Class: Role::Web; members must
// carry every one of them.
type HostGroupRule struct {
	Name      string            `yaml:"name" toml:"name" validate:"required"`
	Alias     string            `yaml:"alias" toml:"alias"`
	Match     map[string]string `yaml:"match" toml:"match"`
	Resources map[string]string `yaml:"resources" toml:"resources" validate:"dive,keys,required,endkeys,required"`
}

// Default returns a configuration with every default applied and no file read.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration at path, applies NAGINATOR_* environment
// overrides and fills defaults. An empty path skips the file. The result is
// not validated so callers can layer flags on top before calling Validate.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("open config %q: %w", path, err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}

		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, fmt.Errorf("apply environment overrides: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// LoadFromEnv loads the file named by NAGINATOR_CONFIG, falling back to
// DefaultConfigPath. A missing default file is not an error.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return Load(ctx, path)
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv() error {
	sections := []struct {
		target any
		prefix string
	}{
		{&c.Inventory, envPrefix + "INVENTORY_"},
		{&c.Render, envPrefix + "RENDER_"},
		{&c.Nagios, envPrefix + "NAGIOS_"},
		{&c.Run, envPrefix + "RUN_"},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: s.prefix}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Inventory.Kind == "" {
		c.Inventory.Kind = KindPuppetDB
	}
	if c.Inventory.Host == "" {
		c.Inventory.Host = "localhost"
	}
	if c.Inventory.Port == 0 {
		c.Inventory.Port = defaultInventoryPort
	}
	if c.Inventory.Scheme == "" {
		c.Inventory.Scheme = "http"
		if c.Inventory.ClientCert != "" || c.Inventory.CACert != "" {
			c.Inventory.Scheme = "https"
		}
	}
	if c.Inventory.Path == "" && c.Inventory.Kind == KindJSON {
		c.Inventory.Path = defaultJSONPath
	}
	if c.Inventory.Timeout == 0 {
		c.Inventory.Timeout = defaultInventoryTimeout
	}
	if c.Inventory.RequestsPerSecond == 0 {
		c.Inventory.RequestsPerSecond = defaultRequestsPerSec
	}
	if c.Render.GroupBy == "" {
		c.Render.GroupBy = GroupByHost
	}
	if c.Render.AddressFact == "" {
		c.Render.AddressFact = defaultAddressFact
	}
	if c.Nagios.Binary == "" {
		c.Nagios.Binary = defaultNagiosBinary
	}
	if c.Nagios.Timeout == 0 {
		c.Nagios.Timeout = defaultNagiosTimeout
	}
	// The generated main config needs the stock command definitions.
	if c.Nagios.MainConfig == "" && c.Nagios.ExtraCfgFiles == nil && c.Nagios.ExtraCfgDirs == nil {
		c.Nagios.ExtraCfgFiles = []string{defaultCommandsCfg}
		c.Nagios.ExtraCfgDirs = []string{defaultPluginCfgDir}
	}
	if len(c.Nagios.ReloadCommand) == 0 && c.Nagios.PIDFile == "" {
		c.Nagios.ReloadCommand = []string{"systemctl", "reload", "nagios4"}
	}
}

// LockPath returns the run-lock file, defaulting to a dotfile in the output
// directory.
func (c Config) LockPath() string {
	if c.Run.LockFile != "" {
		return c.Run.LockFile
	}
	if c.Nagios.OutputDir == "" {
		return ""
	}
	return filepath.Join(c.Nagios.OutputDir, lockFileName)
}

// Validate checks field constraints and returns a single error describing
// every violation.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}
