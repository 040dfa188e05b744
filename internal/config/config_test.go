package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
inventory:
  kind: puppetdb
  host: puppetdb.example.com
  port: 8081
  ca_cert: /etc/puppetlabs/puppet/ssl/certs/ca.pem
  ssl_cert: /etc/puppetlabs/puppet/ssl/certs/nagios.pem
  ssl_key: /etc/puppetlabs/puppet/ssl/private_keys/nagios.pem
  environment: production
  timeout: 30s
  query:
    tag: monitored
  excluded_types: [hostextinfo, serviceextinfo]
render:
  group_by: host
  auto_servicegroups: true
nagios:
  output_dir: /etc/nagios4/conf.d/naginator
  nagios_cfg: /etc/nagios4/nagios.cfg
  extra_cfg_dirs: [/etc/nagios-plugins/config]
  reload_command: [service, nagios4, reload]
hostgroups:
  - name: "os_{{ .operatingsystem }}"
    alias: "{{ .operatingsystem }} hosts"
  - name: web
    resources:
      Class: Role::Web
run:
  workers: 4
`

const sampleTOML = `
[inventory]
kind = "json"
host = "cmdb.example.com"
port = 443
scheme = "https"
timeout = "5s"

[render]
group_by = "service"

[nagios]
output_dir = "/etc/nagios/generated"
pid_file = "/run/nagios/nagios.pid"

[[hostgroups]]
name = "role_{{ .role }}"
[hostgroups.match]
env = "prod"
`

func TestLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "naginator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(ctx, path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "puppetdb.example.com", cfg.Inventory.Host)
	assert.Equal(t, 8081, cfg.Inventory.Port)
	assert.Equal(t, "https", cfg.Inventory.Scheme, "TLS material implies https")
	assert.Equal(t, 30*time.Second, cfg.Inventory.Timeout)
	assert.Equal(t, map[string]string{"tag": "monitored"}, cfg.Inventory.Query)
	assert.Equal(t, []string{"hostextinfo", "serviceextinfo"}, cfg.Inventory.ExcludedTypes)
	assert.True(t, cfg.Render.AutoServiceGroups)
	assert.Equal(t, []string{"service", "nagios4", "reload"}, cfg.Nagios.ReloadCommand)
	require.Len(t, cfg.HostGroups, 2)
	assert.Equal(t, "os_{{ .operatingsystem }}", cfg.HostGroups[0].Name)
	assert.Equal(t, map[string]string{"Class": "Role::Web"}, cfg.HostGroups[1].Resources)
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, "/etc/nagios4/conf.d/naginator/.naginator.lock", cfg.LockPath())
}

func TestLoadTOML(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "naginator.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o600))

	cfg, err := Load(ctx, path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, KindJSON, cfg.Inventory.Kind)
	assert.Equal(t, "/inventory", cfg.Inventory.Path)
	assert.Equal(t, 5*time.Second, cfg.Inventory.Timeout)
	assert.Equal(t, GroupByService, cfg.Render.GroupBy)
	assert.Empty(t, cfg.Nagios.ReloadCommand, "pid file replaces the reload command default")
	require.Len(t, cfg.HostGroups, 1)
	assert.Equal(t, map[string]string{"env": "prod"}, cfg.HostGroups[0].Match)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, KindPuppetDB, cfg.Inventory.Kind)
	assert.Equal(t, "localhost", cfg.Inventory.Host)
	assert.Equal(t, 8080, cfg.Inventory.Port)
	assert.Equal(t, "http", cfg.Inventory.Scheme)
	assert.Equal(t, 20*time.Second, cfg.Inventory.Timeout)
	assert.Equal(t, GroupByHost, cfg.Render.GroupBy)
	assert.Equal(t, "ipaddress", cfg.Render.AddressFact)
	assert.Equal(t, "/usr/sbin/nagios4", cfg.Nagios.Binary)
	assert.Equal(t, []string{"/etc/nagios4/commands.cfg"}, cfg.Nagios.ExtraCfgFiles)
	assert.Equal(t, []string{"/etc/nagios-plugins/config"}, cfg.Nagios.ExtraCfgDirs)

	err = cfg.Validate()
	require.Error(t, err, "output dir is required")
	assert.Contains(t, err.Error(), "OutputDir")
}

func TestEnvironmentOverrides(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "naginator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("NAGINATOR_INVENTORY_HOST", "pdb2.example.com")
	t.Setenv("NAGINATOR_INVENTORY_TIMEOUT", "45s")
	t.Setenv("NAGINATOR_NAGIOS_OUTPUT_DIR", "/tmp/out")
	t.Setenv("NAGINATOR_RUN_DRY_RUN", "true")

	cfg, err := Load(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, "pdb2.example.com", cfg.Inventory.Host)
	assert.Equal(t, 8081, cfg.Inventory.Port, "file values survive when no override is set")
	assert.Equal(t, 45*time.Second, cfg.Inventory.Timeout)
	assert.Equal(t, "/tmp/out", cfg.Nagios.OutputDir)
	assert.True(t, cfg.Run.DryRun)
}

func TestLoadFromEnv(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "naginator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv(envConfigPath, path)

	cfg, err := LoadFromEnv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/etc/nagios4/conf.d/naginator", cfg.Nagios.OutputDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Nagios.OutputDir = "/tmp/out"
	cfg.Render.GroupBy = "datacenter"
	cfg.Inventory.Port = 70000
	cfg.Inventory.ClientCert = "/tmp/cert.pem"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GroupBy")
	assert.Contains(t, err.Error(), "Port")
	assert.Contains(t, err.Error(), "ClientKey")
}

func TestValidateRejectsEmptyResourceTitle(t *testing.T) {
	cfg := Default()
	cfg.Nagios.OutputDir = "/tmp/out"
	cfg.HostGroups = []HostGroupRule{{Name: "web", Resources: map[string]string{"Class": ""}}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Resources")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
