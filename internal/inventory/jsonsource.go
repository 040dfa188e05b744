package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type jsonDocument struct {
	Hosts   []jsonHost   `json:"hosts"`
	Objects []jsonObject `json:"objects"`
}

type jsonHost struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
	Params     map[string]any `json:"params"`
	Checks     []jsonCheck    `json:"checks"`
	Resources  []string       `json:"resources"`
}

type jsonCheck struct {
	Description      string         `json:"description"`
	Command          string         `json:"command"`
	Args             []any          `json:"args"`
	CheckInterval    json.Number    `json:"check_interval"`
	RetryInterval    json.Number    `json:"retry_interval"`
	MaxCheckAttempts json.Number    `json:"max_check_attempts"`
	Params           map[string]any `json:"params"`
}

type jsonObject struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// JSON reads a single inventory document listing hosts with attributes and
// checks, plus optional unbound objects.
type JSON struct {
	client *client
	path   string
	logger *zap.Logger
}

// NewJSON builds a JSON document source.
func NewJSON(cfg Config, deps Dependencies) (*JSON, error) {
	c, err := newClient(cfg, deps)
	if err != nil {
		return nil, err
	}
	path := cfg.Path
	if path == "" {
		path = "/inventory"
	}
	return &JSON{client: c, path: path, logger: c.logger.Named("json")}, nil
}

// Fetch implements Source.
func (j *JSON) Fetch(ctx context.Context) (Snapshot, error) {
	ctx, cancel := j.client.withTimeout(ctx)
	defer cancel()

	var doc jsonDocument
	if err := j.client.getJSON(ctx, j.path, nil, &doc); err != nil {
		return Snapshot{}, err
	}

	snap, err := doc.snapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: malformed inventory document: %w", ErrUnavailable, err)
	}
	j.logger.Info("fetched inventory", zap.Int("hosts", len(snap.Hosts)), zap.Int("objects", len(snap.Objects)))
	return snap, nil
}

func (d jsonDocument) snapshot() (Snapshot, error) {
	var snap Snapshot
	seen := make(map[string]struct{}, len(d.Hosts))

	for i, h := range d.Hosts {
		name := strings.TrimSpace(h.Name)
		if name == "" {
			return Snapshot{}, fmt.Errorf("hosts[%d]: empty name", i)
		}
		if _, dup := seen[name]; dup {
			return Snapshot{}, fmt.Errorf("hosts[%d]: duplicate host %q", i, name)
		}
		seen[name] = struct{}{}

		host := Host{
			Name:   name,
			Facts:  factMap(h.Attributes),
			Params: normalizeParams(h.Params),
		}
		for ri, raw := range h.Resources {
			ref, err := ParseResourceRef(raw)
			if err != nil {
				return Snapshot{}, fmt.Errorf("hosts[%d].resources[%d]: %w", i, ri, err)
			}
			host.Resources = append(host.Resources, ref.String())
		}
		for ci, c := range h.Checks {
			check, err := c.serviceCheck()
			if err != nil {
				return Snapshot{}, fmt.Errorf("hosts[%d].checks[%d]: %w", i, ci, err)
			}
			host.Checks = append(host.Checks, check)
		}
		snap.Hosts = append(snap.Hosts, host)
	}

	for i, o := range d.Objects {
		typ := normalizeType(o.Type)
		if typ == "" || strings.TrimSpace(o.Name) == "" {
			return Snapshot{}, fmt.Errorf("objects[%d]: type and name are required", i)
		}
		snap.Objects = append(snap.Objects, Object{Type: typ, Name: o.Name, Params: normalizeParams(o.Params)})
	}

	snap.Sort()
	return snap, nil
}

// serviceCheck keeps an empty command so the renderer can name the offending
// check; only structurally invalid values are rejected here.
func (c jsonCheck) serviceCheck() (ServiceCheck, error) {
	check := ServiceCheck{
		Description: strings.TrimSpace(c.Description),
		Command:     strings.TrimSpace(c.Command),
		Params:      normalizeParams(c.Params),
	}
	if check.Description == "" {
		check.Description = check.Command
	}
	for _, a := range c.Args {
		check.Args = append(check.Args, paramString(a))
	}
	for _, f := range []struct {
		name string
		raw  json.Number
		dst  *int
	}{
		{"check_interval", c.CheckInterval, &check.CheckInterval},
		{"retry_interval", c.RetryInterval, &check.RetryInterval},
		{"max_check_attempts", c.MaxCheckAttempts, &check.MaxCheckAttempts},
	} {
		if f.raw == "" {
			continue
		}
		n, err := strconv.Atoi(f.raw.String())
		if err != nil || n < 0 {
			return ServiceCheck{}, fmt.Errorf("%s: invalid value %q", f.name, f.raw)
		}
		*f.dst = n
	}
	return check, nil
}

var _ Source = (*JSON)(nil)
