// Package render turns an inventory snapshot into Nagios object
// configuration files.
//
// Rendering is a pure function of the snapshot and the options: hosts,
// checks, objects and directives are sorted before formatting, so the same
// input always produces byte-identical files. Each file depends only on its
// own definitions, which lets files be formatted in parallel.
package render

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"text/template"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/naginator/internal/inventory"
	"github.com/pingsantohq/naginator/internal/logging"
)

const (
	// GroupByHost writes one file per host holding the host and its services.
	GroupByHost = "host"
	// GroupByService writes all hosts to one file and one file per service
	// description.
	GroupByService = "service"

	defaultAddressFact = "ipaddress"
)

// Options configure a Renderer.
type Options struct {
	GroupBy string
	// TemplateSet is a directory of *.tmpl files. Empty selects the
	// embedded default set.
	TemplateSet string
	// TemplatePublicKey is a minisign public key file. When set, the
	// template set must carry a valid signed MANIFEST.
	TemplatePublicKey string
	// OutputDir prefixes every File.Path.
	OutputDir         string
	HostGroups        []HostGroupRule
	AutoServiceGroups bool
	// AddressFact is the fact used when a host has no address parameter.
	AddressFact string
	Workers     int
}

// Dependencies allow test overrides for logging.
type Dependencies struct {
	Logger *zap.Logger
}

// File is one rendered configuration file.
type File struct {
	Path    string
	Content []byte
}

// Renderer renders snapshots with a parsed template set.
type Renderer struct {
	opts   Options
	tmpl   *template.Template
	rules  []compiledRule
	logger *zap.Logger
}

// New loads the template set and compiles hostgroup rules.
func New(ctx context.Context, opts Options, deps Dependencies) (*Renderer, error) {
	switch opts.GroupBy {
	case "":
		opts.GroupBy = GroupByHost
	case GroupByHost, GroupByService:
	default:
		return nil, fmt.Errorf("unknown group_by %q", opts.GroupBy)
	}
	if opts.AddressFact == "" {
		opts.AddressFact = defaultAddressFact
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	tmpl, err := loadTemplateSet(ctx, opts)
	if err != nil {
		return nil, err
	}
	rules, err := compileRules(opts.HostGroups)
	if err != nil {
		return nil, err
	}
	return &Renderer{
		opts:   opts,
		tmpl:   tmpl,
		rules:  rules,
		logger: logging.OrNop(deps.Logger).Named("render"),
	}, nil
}

// unit is the planned content of one file.
type unit struct {
	owner       string
	definitions []Definition
}

// plan maps file names to definitions. Two different owners landing on the
// same file name is a render error.
type plan map[string]*unit

func (p plan) add(name, owner string, defs ...Definition) error {
	u, ok := p[name]
	if !ok {
		p[name] = &unit{owner: owner, definitions: defs}
		return nil
	}
	if u.owner != owner {
		return fmt.Errorf("%s and %s both map to %s", u.owner, owner, name)
	}
	u.definitions = append(u.definitions, defs...)
	return nil
}

// Render produces the complete set of files for snap, sorted by path. On
// any error no files are returned.
func (r *Renderer) Render(ctx context.Context, snap inventory.Snapshot) ([]File, error) {
	snap = sortedCopy(snap)

	p, err := r.plan(snap)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make([]File, len(names))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(r.opts.Workers)
	for i, name := range names {
		grp.Go(func() error {
			if err := grpCtx.Err(); err != nil {
				return err
			}
			content, err := executeFile(r.tmpl, fileData{Name: name, Definitions: p[name].definitions})
			if err != nil {
				return err
			}
			files[i] = File{Path: filepath.Join(r.opts.OutputDir, name), Content: content}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	r.logger.Debug("rendered files", zap.Int("files", len(files)), zap.Int("hosts", len(snap.Hosts)), zap.Int("objects", len(snap.Objects)))
	return files, nil
}

func (r *Renderer) plan(snap inventory.Snapshot) (plan, error) {
	p := make(plan)
	seenHosts := make(map[string]struct{}, len(snap.Hosts))

	for _, h := range snap.Hosts {
		if _, dup := seenHosts[h.Name]; dup {
			return nil, &Error{Host: h.Name, Field: "host_name", Reason: "duplicate host"}
		}
		seenHosts[h.Name] = struct{}{}

		hostDef, err := r.hostDefinition(h)
		if err != nil {
			return nil, err
		}
		services := make([]Definition, 0, len(h.Checks))
		seen := make(map[string]struct{}, len(h.Checks))
		for _, c := range h.Checks {
			d, err := r.serviceDefinition(h, c)
			if err != nil {
				return nil, err
			}
			desc := d.Get("service_description")
			if _, dup := seen[desc]; dup {
				return nil, &Error{Host: h.Name, Check: desc, Field: "service_description", Reason: "duplicate service on host"}
			}
			seen[desc] = struct{}{}
			services = append(services, d)
		}

		switch r.opts.GroupBy {
		case GroupByService:
			if err := p.add("auto_host.cfg", "type host", hostDef); err != nil {
				return nil, &Error{Host: h.Name, Reason: err.Error()}
			}
			for _, d := range services {
				desc := d.Get("service_description")
				if err := p.add("service_"+Slug(desc)+".cfg", "service "+desc, d); err != nil {
					return nil, &Error{Host: h.Name, Check: desc, Reason: err.Error()}
				}
			}
		default:
			defs := append([]Definition{hostDef}, services...)
			if err := p.add("host_"+Slug(h.Name)+".cfg", "host "+h.Name, defs...); err != nil {
				return nil, &Error{Host: h.Name, Reason: err.Error()}
			}
		}
	}

	for _, o := range snap.Objects {
		d, err := objectDefinition(o)
		if err != nil {
			return nil, err
		}
		if err := p.add("auto_"+o.Type+".cfg", "type "+o.Type, d); err != nil {
			return nil, &Error{Object: o.Type + " " + o.Name, Reason: err.Error()}
		}
	}

	groups, err := r.hostGroupDefinitions(snap.Hosts)
	if err != nil {
		return nil, err
	}
	if err := addSorted(p, "auto_hostgroup_", "hostgroup ", groups); err != nil {
		return nil, err
	}
	if r.opts.AutoServiceGroups {
		if err := addSorted(p, "auto_servicegroup_", "servicegroup ", serviceGroupDefinitions(snap.Hosts)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func addSorted(p plan, prefix, owner string, defs map[string]Definition) error {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := p.add(prefix+Slug(k)+".cfg", owner+k, defs[k]); err != nil {
			return &Error{Object: owner + k, Reason: err.Error()}
		}
	}
	return nil
}

// sortedCopy sorts a copy of snap so the caller's slices are left alone.
func sortedCopy(snap inventory.Snapshot) inventory.Snapshot {
	out := inventory.Snapshot{
		Hosts:   make([]inventory.Host, len(snap.Hosts)),
		Objects: append([]inventory.Object(nil), snap.Objects...),
	}
	for i, h := range snap.Hosts {
		h.Checks = append([]inventory.ServiceCheck(nil), h.Checks...)
		out.Hosts[i] = h
	}
	out.Sort()
	return out
}
