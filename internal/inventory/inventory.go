// Package inventory fetches hosts, their facts and their service checks from
// an external inventory source.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnavailable is returned for any failed fetch: network or TLS errors,
// non-success statuses, malformed responses and timeouts.
var ErrUnavailable = errors.New("inventory unavailable")

// Source returns the complete current inventory or an error wrapping
// ErrUnavailable. Partial results are never returned.
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// Snapshot is the result of one fetch.
type Snapshot struct {
	Hosts   []Host
	Objects []Object
}

// Host is a monitored node. Resources holds the references, in
// "Type[Title]" form, of the requested catalog resources the node carries.
type Host struct {
	Name      string
	Facts     map[string]string
	Params    map[string]string
	Checks    []ServiceCheck
	Resources []string
}

// HasResource reports whether the host's catalog contains ref.
func (h Host) HasResource(ref ResourceRef) bool {
	want := ref.String()
	for _, r := range h.Resources {
		if r == want {
			return true
		}
	}
	return false
}

// ResourceRef names one catalog resource, e.g. Class[Role::Web].
type ResourceRef struct {
	Type  string
	Title string
}

func (r ResourceRef) String() string {
	return r.Type + "[" + r.Title + "]"
}

// ParseResourceRef parses "Type[Title]".
func ParseResourceRef(s string) (ResourceRef, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '[')
	if open <= 0 || !strings.HasSuffix(s, "]") || open == len(s)-2 {
		return ResourceRef{}, fmt.Errorf("invalid resource reference %q", s)
	}
	return ResourceRef{Type: s[:open], Title: s[open+1 : len(s)-1]}, nil
}

// ServiceCheck is a service bound to exactly one Host. Zero scheduling
// values mean unset.
type ServiceCheck struct {
	Description      string
	Command          string
	Args             []string
	CheckInterval    int
	RetryInterval    int
	MaxCheckAttempts int
	Params           map[string]string
}

// Object is a definition that is not bound to a single host, such as a
// command, contact, timeperiod or a host/service template.
type Object struct {
	Type   string
	Name   string
	Params map[string]string
}

// Sort orders hosts, checks and objects so the snapshot does not depend on
// response ordering.
func (s *Snapshot) Sort() {
	sort.Slice(s.Hosts, func(i, j int) bool { return s.Hosts[i].Name < s.Hosts[j].Name })
	for i := range s.Hosts {
		checks := s.Hosts[i].Checks
		sort.SliceStable(checks, func(a, b int) bool { return checks[a].Description < checks[b].Description })
		sort.Strings(s.Hosts[i].Resources)
	}
	sort.Slice(s.Objects, func(i, j int) bool {
		if s.Objects[i].Type != s.Objects[j].Type {
			return s.Objects[i].Type < s.Objects[j].Type
		}
		return s.Objects[i].Name < s.Objects[j].Name
	})
}

// Host returns the named host.
func (s Snapshot) Host(name string) (Host, bool) {
	for _, h := range s.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// NewSource builds the backend named by kind ("puppetdb" or "json").
func NewSource(kind string, cfg Config, deps Dependencies) (Source, error) {
	switch kind {
	case "", "puppetdb":
		return NewPuppetDB(cfg, deps)
	case "json":
		return NewJSON(cfg, deps)
	default:
		return nil, fmt.Errorf("unknown inventory kind %q", kind)
	}
}
