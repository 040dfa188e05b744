package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/naginator/internal/inventory"
	"github.com/pingsantohq/naginator/internal/render/signature"
)

func newRenderer(t *testing.T, opts Options) *Renderer {
	t.Helper()
	r, err := New(context.Background(), opts, Dependencies{})
	require.NoError(t, err)
	return r
}

func sampleSnapshot() inventory.Snapshot {
	return inventory.Snapshot{
		Hosts: []inventory.Host{
			{
				Name:  "web1",
				Facts: map[string]string{"ipaddress": "10.0.0.5", "operatingsystem": "Debian"},
				Params: map[string]string{
					"use":        "generic-host",
					"hostgroups": "web",
					"notes":      "front; primary\nrack 4",
				},
				Checks: []inventory.ServiceCheck{
					{Description: "PING", Command: "check_ping", Args: []string{"100.0,20%", "500.0,60%"}},
					{
						Description:      "HTTP",
						Command:          "check_http",
						Args:             []string{"-u /health!x", "80"},
						CheckInterval:    5,
						MaxCheckAttempts: 3,
						Params:           map[string]string{"notification_period": "24x7", "bogus_directive": "x"},
					},
				},
			},
			{
				Name:   "db1",
				Facts:  map[string]string{"operatingsystem": "Debian"},
				Params: map[string]string{"address": "10.0.0.20", "use": "generic-host"},
			},
		},
		Objects: []inventory.Object{
			{Type: "host", Name: "generic-host", Params: map[string]string{"register": "0", "check_period": "24x7"}},
			{Type: "command", Name: "check_http", Params: map[string]string{"command_line": "$USER1$/check_http -H $HOSTADDRESS$ -u $ARG1$ -p $ARG2$"}},
		},
	}
}

func concat(files []File) []byte {
	var buf bytes.Buffer
	for _, f := range files {
		fmt.Fprintf(&buf, "==> %s <==\n%s", filepath.Base(f.Path), f.Content)
	}
	return buf.Bytes()
}

func paths(files []File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

func TestRenderDefaultLayoutGolden(t *testing.T) {
	r := newRenderer(t, Options{
		OutputDir:  "/etc/nagios4/conf.d/naginator",
		HostGroups: []HostGroupRule{{Name: "os_{{ .operatingsystem | lower }}", Alias: "{{ .operatingsystem }} servers"}},
	})

	files, err := r.Render(context.Background(), sampleSnapshot())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/etc/nagios4/conf.d/naginator/auto_command.cfg",
		"/etc/nagios4/conf.d/naginator/auto_host.cfg",
		"/etc/nagios4/conf.d/naginator/auto_hostgroup_os_debian.cfg",
		"/etc/nagios4/conf.d/naginator/host_db1.cfg",
		"/etc/nagios4/conf.d/naginator/host_web1.cfg",
	}, paths(files))

	g := goldie.New(t)
	g.Assert(t, "default_layout", concat(files))
}

func TestRenderIsDeterministic(t *testing.T) {
	r := newRenderer(t, Options{Workers: 4, AutoServiceGroups: true})

	first, err := r.Render(context.Background(), sampleSnapshot())
	require.NoError(t, err)

	reordered := sampleSnapshot()
	reordered.Hosts[0], reordered.Hosts[1] = reordered.Hosts[1], reordered.Hosts[0]
	reordered.Objects[0], reordered.Objects[1] = reordered.Objects[1], reordered.Objects[0]
	for i := 0; i < 5; i++ {
		again, err := r.Render(context.Background(), reordered)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRenderLeavesInputUntouched(t *testing.T) {
	r := newRenderer(t, Options{})
	snap := sampleSnapshot()

	_, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, "web1", snap.Hosts[0].Name)
	assert.Equal(t, "PING", snap.Hosts[0].Checks[0].Description)
}

func TestRenderSingleHostScenario(t *testing.T) {
	r := newRenderer(t, Options{OutputDir: "/out"})
	snap := inventory.Snapshot{Hosts: []inventory.Host{{
		Name:   "web1",
		Checks: []inventory.ServiceCheck{{Description: "check_http", Command: "check_http"}},
	}}}

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/out/host_web1.cfg", files[0].Path)
	content := string(files[0].Content)
	assert.Contains(t, content, "define service {")
	assert.Contains(t, content, formatDirective("check_command", "check_http"))
	assert.Contains(t, content, formatDirective("address", "web1"), "host name stands in for a missing address")
}

func TestRenderGroupByService(t *testing.T) {
	r := newRenderer(t, Options{GroupBy: GroupByService})
	snap := sampleSnapshot()
	snap.Hosts[1].Checks = []inventory.ServiceCheck{{Description: "PING", Command: "check_ping"}}

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"auto_command.cfg", "auto_host.cfg", "service_HTTP.cfg", "service_PING.cfg"}, paths(files))

	hosts := string(files[1].Content)
	assert.Equal(t, 3, strings.Count(hosts, "define host {"), "two hosts plus the template")
	assert.Contains(t, hosts, formatDirective("name", "generic-host"))

	ping := string(files[3].Content)
	assert.Equal(t, 2, strings.Count(ping, "define service {"))
	assert.Less(t, strings.Index(ping, "db1"), strings.Index(ping, "web1"))
}

func TestRenderAutoServiceGroups(t *testing.T) {
	r := newRenderer(t, Options{AutoServiceGroups: true})
	snap := sampleSnapshot()
	snap.Hosts[1].Checks = []inventory.ServiceCheck{{Description: "PING", Command: "check_ping"}}

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	assert.Contains(t, paths(files), "auto_servicegroup_PING.cfg")

	for _, f := range files {
		if f.Path == "auto_servicegroup_PING.cfg" {
			assert.Contains(t, string(f.Content), formatDirective("members", "db1,PING,web1,PING"))
		}
	}
}

func TestRenderHostGroupMatch(t *testing.T) {
	r := newRenderer(t, Options{HostGroups: []HostGroupRule{
		{Name: "frontend", Match: map[string]string{"role": "web"}},
	}})
	snap := sampleSnapshot()
	snap.Hosts[0].Facts["role"] = "web"
	snap.Hosts[1].Facts["role"] = "db"

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	found := false
	for _, f := range files {
		if f.Path == "auto_hostgroup_frontend.cfg" {
			found = true
			assert.Contains(t, string(f.Content), formatDirective("members", "web1"))
			assert.Contains(t, string(f.Content), formatDirective("alias", "frontend"))
		}
	}
	assert.True(t, found)
}

func TestRenderHostGroupResources(t *testing.T) {
	r := newRenderer(t, Options{HostGroups: []HostGroupRule{
		{Name: "web_{{ .operatingsystem | lower }}", Alias: "Web servers", Resources: map[string]string{"Class": "Role::Web"}},
		{Name: "managed", Resources: map[string]string{"Class": "Profile::Base", "Package": "nrpe"}},
	}})
	snap := sampleSnapshot()
	snap.Hosts[0].Resources = []string{"Class[Profile::Base]", "Class[Role::Web]"}
	snap.Hosts[1].Resources = []string{"Class[Profile::Base]", "Package[nrpe]"}

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	byPath := make(map[string]string, len(files))
	for _, f := range files {
		byPath[f.Path] = string(f.Content)
	}

	require.Contains(t, byPath, "auto_hostgroup_web_debian.cfg")
	assert.Contains(t, byPath["auto_hostgroup_web_debian.cfg"], formatDirective("members", "web1"))
	assert.Contains(t, byPath["auto_hostgroup_web_debian.cfg"], formatDirective("alias", "Web servers"))
	require.Contains(t, byPath, "auto_hostgroup_managed.cfg")
	assert.Contains(t, byPath["auto_hostgroup_managed.cfg"], formatDirective("members", "db1"))
}

func TestResourceRefs(t *testing.T) {
	refs := ResourceRefs([]HostGroupRule{
		{Name: "a", Resources: map[string]string{"Class": "Role::Web"}},
		{Name: "b", Resources: map[string]string{"Class": "Role::Web", "Package": "nrpe"}},
		{Name: "c", Match: map[string]string{"role": "db"}},
	})
	assert.Equal(t, []inventory.ResourceRef{
		{Type: "Class", Title: "Role::Web"},
		{Type: "Package", Title: "nrpe"},
	}, refs)
}

func TestRenderErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*inventory.Snapshot)
		opts   Options
		want   Error
	}{
		{
			name:   "missing check command",
			mutate: func(s *inventory.Snapshot) { s.Hosts[0].Checks[1].Command = "" },
			want:   Error{Host: "web1", Check: "HTTP", Field: "check_command"},
		},
		{
			name:   "missing description",
			mutate: func(s *inventory.Snapshot) { s.Hosts[0].Checks[0].Description = " " },
			want:   Error{Host: "web1", Field: "service_description"},
		},
		{
			name:   "illegal host name",
			mutate: func(s *inventory.Snapshot) { s.Hosts[1].Name = "db 1" },
			want:   Error{Host: "db 1", Field: "host_name"},
		},
		{
			name:   "illegal command name",
			mutate: func(s *inventory.Snapshot) { s.Hosts[0].Checks[0].Command = "check ping" },
			want:   Error{Host: "web1", Check: "PING", Field: "check_command"},
		},
		{
			name:   "duplicate service",
			mutate: func(s *inventory.Snapshot) { s.Hosts[0].Checks[1].Description = "PING" },
			want:   Error{Host: "web1", Check: "PING", Field: "service_description"},
		},
		{
			name:   "duplicate host",
			mutate: func(s *inventory.Snapshot) { s.Hosts[1].Name = "web1" },
			want:   Error{Host: "web1", Field: "host_name"},
		},
		{
			name: "file name collision",
			mutate: func(s *inventory.Snapshot) {
				s.Hosts[0].Name = "web_1"
				s.Hosts[1].Name = "web/1"
			},
			want: Error{Host: "web_1"},
		},
		{
			name:   "bad directive name",
			mutate: func(s *inventory.Snapshot) { s.Objects[1].Params["command line"] = "x" },
			want:   Error{Object: "command check_http", Field: "command line"},
		},
		{
			name:   "hostgroup fact missing",
			mutate: func(s *inventory.Snapshot) { delete(s.Hosts[1].Facts, "operatingsystem") },
			opts:   Options{HostGroups: []HostGroupRule{{Name: "os_{{ .operatingsystem }}"}}},
			want:   Error{Host: "db1", Field: "hostgroup os_{{ .operatingsystem }}"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRenderer(t, tc.opts)
			snap := sampleSnapshot()
			tc.mutate(&snap)

			files, err := r.Render(context.Background(), snap)
			require.Error(t, err)
			assert.Nil(t, files)

			var rerr *Error
			require.True(t, errors.As(err, &rerr), "got %T: %v", err, err)
			assert.Equal(t, tc.want.Host, rerr.Host)
			assert.Equal(t, tc.want.Check, rerr.Check)
			assert.Equal(t, tc.want.Object, rerr.Object)
			assert.Equal(t, tc.want.Field, rerr.Field)
			assert.NotEmpty(t, rerr.Reason)
		})
	}
}

func TestRenderAddressFact(t *testing.T) {
	r := newRenderer(t, Options{AddressFact: "primary_ip"})
	snap := inventory.Snapshot{Hosts: []inventory.Host{{
		Name:  "app1",
		Facts: map[string]string{"primary_ip": "192.0.2.7", "ipaddress": "10.9.9.9"},
	}}}

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, string(files[0].Content), formatDirective("address", "192.0.2.7"))
}

func TestRenderAddressPrecedence(t *testing.T) {
	cases := []struct {
		name string
		host inventory.Host
		want string
	}{
		{
			name: "param wins over fact",
			host: inventory.Host{Name: "db1", Params: map[string]string{"address": "10.0.0.20"}, Facts: map[string]string{"ipaddress": "10.9.9.9"}},
			want: "10.0.0.20",
		},
		{
			name: "fact",
			host: inventory.Host{Name: "db1", Facts: map[string]string{"ipaddress": "10.9.9.9"}},
			want: "10.9.9.9",
		},
		{
			name: "host name",
			host: inventory.Host{Name: "db1.example.org", Facts: map[string]string{"ipaddress": " "}},
			want: "db1.example.org",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRenderer(t, Options{})
			files, err := r.Render(context.Background(), inventory.Snapshot{Hosts: []inventory.Host{tc.host}})
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Contains(t, string(files[0].Content), formatDirective("address", tc.want))
		})
	}
}

func TestRenderTrailingBackslashDoesNotJoinLines(t *testing.T) {
	r := newRenderer(t, Options{})
	snap := inventory.Snapshot{Hosts: []inventory.Host{{
		Name:   "files1",
		Params: map[string]string{"address": "10.0.0.9", "notes": `share C:\`},
	}}}

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, files, 1)
	for _, line := range strings.Split(string(files[0].Content), "\n") {
		assert.False(t, strings.HasSuffix(line, `\`), "line %q continues onto the next", line)
	}
	assert.Contains(t, string(files[0].Content), formatDirective("notes", "share C:")+"\n}\n")
}

func TestRenderObjectsWithoutNameDirective(t *testing.T) {
	r := newRenderer(t, Options{})
	snap := inventory.Snapshot{Objects: []inventory.Object{{
		Type:   "servicedependency",
		Name:   "web-depends-on-db",
		Params: map[string]string{"host_name": "web1", "service_description": "HTTP", "dependent_host_name": "db1", "dependent_service_description": "MySQL"},
	}}}

	files, err := r.Render(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "auto_servicedependency.cfg", files[0].Path)
	assert.NotContains(t, string(files[0].Content), "web-depends-on-db")
	assert.Contains(t, string(files[0].Content), formatDirective("dependent_host_name", "db1"))
}

func TestRenderSignedTemplateSet(t *testing.T) {
	r := newRenderer(t, Options{
		TemplateSet:       filepath.Join("testdata", "signed"),
		TemplatePublicKey: filepath.Join("testdata", "test.pub"),
	})

	files, err := r.Render(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	require.Equal(t, "auto_command.cfg", files[0].Path)
	assert.Equal(t, "# auto_command.cfg (site templates)\n\n"+
		"define command {\n"+
		"  command_name\tcheck_http\n"+
		"  command_line\t$USER1$/check_http -H $HOSTADDRESS$ -u $ARG1$ -p $ARG2$\n"+
		"}\n", string(files[0].Content))
	assert.Contains(t, string(files[1].Content), formatDirective("name", "generic-host"))
}

// swappingFS serves tampered content for a file once it has been read.
type swappingFS struct {
	fs.FS
	reads map[string]int
	swap  map[string]string
}

func (s *swappingFS) ReadFile(name string) ([]byte, error) {
	s.reads[name]++
	if content, ok := s.swap[name]; ok && s.reads[name] > 1 {
		return []byte(content), nil
	}
	return fs.ReadFile(s.FS, name)
}

func TestReadTemplateSetUsesVerifiedContent(t *testing.T) {
	verifier, err := signature.LoadVerifier(filepath.Join("testdata", "test.pub"))
	require.NoError(t, err)
	fsys := &swappingFS{
		FS:    os.DirFS(filepath.Join("testdata", "signed")),
		reads: map[string]int{},
		swap:  map[string]string{"file.tmpl": `{{ define "file" }}TAMPERED{{ end }}`},
	}

	sources, err := readTemplateSet(context.Background(), fsys, verifier)
	require.NoError(t, err)
	for _, name := range []string{"define.tmpl", "define_command.tmpl", "file.tmpl"} {
		assert.Equal(t, 1, fsys.reads[name], name)
	}

	tmpl, err := parseTemplateSet(sources)
	require.NoError(t, err)
	out, err := executeFile(tmpl, fileData{Name: "auto_command.cfg"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "TAMPERED")
	assert.Contains(t, string(out), "(site templates)")
}

func TestNewRejectsUnsignedTemplateSet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, copyDir(filepath.Join("testdata", "signed"), dir))
	require.NoError(t, appendFile(filepath.Join(dir, "define.tmpl"), "{{/* local change */}}"))

	_, err := New(context.Background(), Options{
		TemplateSet:       dir,
		TemplatePublicKey: filepath.Join("testdata", "test.pub"),
	}, Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, signature.ErrMismatch)
}

func TestNewRejectsIncompleteTemplateSet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(filepath.Join(dir, "define.tmpl"), `{{ define "define" }}{{ end }}`))

	_, err := New(context.Background(), Options{TemplateSet: dir}, Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"file"`)
}

func TestNewRejectsUnknownGroupBy(t *testing.T) {
	_, err := New(context.Background(), Options{GroupBy: "datacenter"}, Dependencies{})
	assert.Error(t, err)
}
