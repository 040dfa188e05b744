package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	nodesPath     = "/pdb/query/v4/nodes"
	factsPath     = "/pdb/query/v4/facts"
	resourcesPath = "/pdb/query/v4/resources"

	resourcePrefix = "Nagios_"
)

// ObjectTypes lists every Nagios object type exported through puppet's
// Nagios_* resource types.
var ObjectTypes = []string{
	"host",
	"hostgroup",
	"service",
	"servicegroup",
	"hostescalation",
	"hostdependency",
	"hostextinfo",
	"serviceescalation",
	"servicedependency",
	"serviceextinfo",
	"contact",
	"contactgroup",
	"timeperiod",
	"command",
}

type pdbNode struct {
	Certname    string  `json:"certname"`
	Deactivated *string `json:"deactivated"`
}

type pdbFact struct {
	Certname string `json:"certname"`
	Name     string `json:"name"`
	Value    any    `json:"value"`
}

type pdbResource struct {
	Certname   string         `json:"certname"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Tags       []string       `json:"tags"`
	Parameters map[string]any `json:"parameters"`
}

// PuppetDB reads nodes, facts and exported Nagios_* resources from the
// PuppetDB v4 query API.
type PuppetDB struct {
	client        *client
	environment   string
	query         map[string]string
	excludedTypes map[string]struct{}
	traits        []ResourceRef
	logger        *zap.Logger
}

// NewPuppetDB builds a PuppetDB source from configuration and dependencies.
func NewPuppetDB(cfg Config, deps Dependencies) (*PuppetDB, error) {
	c, err := newClient(cfg, deps)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludedTypes))
	for _, t := range cfg.ExcludedTypes {
		excluded[normalizeType(t)] = struct{}{}
	}
	if _, ok := excluded["host"]; ok {
		return nil, fmt.Errorf("the host type cannot be excluded")
	}
	query := make(map[string]string, len(cfg.Query))
	for k, v := range cfg.Query {
		query[k] = v
	}
	return &PuppetDB{
		client:        c,
		environment:   cfg.Environment,
		query:         query,
		excludedTypes: excluded,
		traits:        lo.Uniq(cfg.Resources),
		logger:        c.logger.Named("puppetdb"),
	}, nil
}

// Fetch implements Source.
func (p *PuppetDB) Fetch(ctx context.Context) (Snapshot, error) {
	ctx, cancel := p.client.withTimeout(ctx)
	defer cancel()

	var (
		nodes     []pdbNode
		facts     []pdbFact
		mu        sync.Mutex
		resources = make(map[string][]pdbResource, len(ObjectTypes))
		carriers  = make(map[string][]string, len(p.traits))
	)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return p.client.getJSON(grpCtx, nodesPath, p.nodeParams(), &nodes)
	})
	grp.Go(func() error {
		return p.client.getJSON(grpCtx, factsPath, p.factParams(), &facts)
	})
	for _, typ := range ObjectTypes {
		if _, skip := p.excludedTypes[typ]; skip {
			continue
		}
		grp.Go(func() error {
			var out []pdbResource
			if err := p.client.getJSON(grpCtx, resourcesPath, p.resourceParams(typ), &out); err != nil {
				return err
			}
			mu.Lock()
			resources[typ] = out
			mu.Unlock()
			return nil
		})
	}
	for _, ref := range p.traits {
		grp.Go(func() error {
			var out []pdbResource
			if err := p.client.getJSON(grpCtx, resourcesPath, p.traitParams(ref), &out); err != nil {
				return err
			}
			mu.Lock()
			carriers[ref.String()] = lo.Map(out, func(r pdbResource, _ int) string { return r.Certname })
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return Snapshot{}, err
	}

	snap := p.assemble(nodes, facts, resources)
	attachResources(&snap, carriers)
	p.logger.Info("fetched inventory",
		zap.Int("nodes", len(nodes)),
		zap.Int("hosts", len(snap.Hosts)),
		zap.Int("objects", len(snap.Objects)))
	return snap, nil
}

func (p *PuppetDB) assemble(nodes []pdbNode, facts []pdbFact, resources map[string][]pdbResource) Snapshot {
	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.Deactivated != nil {
			continue
		}
		known[n.Certname] = struct{}{}
	}

	rawFacts := make(map[string]map[string]any, len(known))
	for _, f := range facts {
		if rawFacts[f.Certname] == nil {
			rawFacts[f.Certname] = make(map[string]any)
		}
		rawFacts[f.Certname][f.Name] = f.Value
	}

	var snap Snapshot
	hostIndex := make(map[string]int)

	for _, r := range p.unique("host", resources["host"]) {
		params := normalizeParams(r.Parameters)
		_, isNode := known[r.Title]
		_, hasUse := params["use"]
		if !isNode && !hasUse {
			snap.Objects = append(snap.Objects, Object{Type: "host", Name: r.Title, Params: params})
			continue
		}
		delete(params, "host_name")
		hostIndex[r.Title] = len(snap.Hosts)
		snap.Hosts = append(snap.Hosts, Host{
			Name:   r.Title,
			Facts:  factMap(rawFacts[r.Title]),
			Params: params,
		})
	}

	for _, r := range p.unique("service", resources["service"]) {
		params := normalizeParams(r.Parameters)
		hostName, bound := params["host_name"]
		if !bound {
			snap.Objects = append(snap.Objects, Object{Type: "service", Name: r.Title, Params: params})
			continue
		}
		idx, ok := hostIndex[hostName]
		if !ok {
			p.logger.Info("skipping service for unknown host", zap.String("host", hostName), zap.String("service", r.Title))
			continue
		}
		snap.Hosts[idx].Checks = append(snap.Hosts[idx].Checks, checkFromParams(r.Title, params))
	}

	for _, typ := range ObjectTypes {
		if typ == "host" || typ == "service" {
			continue
		}
		for _, r := range p.unique(typ, resources[typ]) {
			snap.Objects = append(snap.Objects, Object{Type: typ, Name: r.Title, Params: normalizeParams(r.Parameters)})
		}
	}

	snap.Sort()
	return snap
}

// unique drops resources whose title was already seen, keeping the first.
func (p *PuppetDB) unique(typ string, in []pdbResource) []pdbResource {
	seen := make(map[string]struct{}, len(in))
	out := make([]pdbResource, 0, len(in))
	for _, r := range in {
		if _, dup := seen[r.Title]; dup {
			p.logger.Info("duplicate resource", zap.String("type", typ), zap.String("title", r.Title))
			continue
		}
		seen[r.Title] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (p *PuppetDB) nodeParams() url.Values {
	if p.environment == "" {
		return nil
	}
	return queryValues(andQuery(
		eq("catalog_environment", p.environment),
		eq("facts_environment", p.environment),
	))
}

func (p *PuppetDB) factParams() url.Values {
	if p.environment == "" {
		return nil
	}
	return queryValues(eq("environment", p.environment))
}

// traitParams selects the nodes whose catalog contains ref.
func (p *PuppetDB) traitParams(ref ResourceRef) url.Values {
	clauses := []any{eq("type", ref.Type), eq("title", ref.Title)}
	if p.environment != "" {
		clauses = append(clauses, eq("environment", p.environment))
	}
	return queryValues(andQuery(clauses...))
}

// attachResources records on every host the references whose carriers
// include it.
func attachResources(snap *Snapshot, carriers map[string][]string) {
	byHost := make(map[string][]string)
	for ref, certnames := range carriers {
		for _, name := range lo.Uniq(certnames) {
			byHost[name] = append(byHost[name], ref)
		}
	}
	for i := range snap.Hosts {
		refs := byHost[snap.Hosts[i].Name]
		sort.Strings(refs)
		snap.Hosts[i].Resources = refs
	}
}

func (p *PuppetDB) resourceParams(typ string) url.Values {
	clauses := []any{eq("type", resourceType(typ))}
	keys := lo.Keys(p.query)
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, eq(k, p.query[k]))
	}
	if len(clauses) == 1 {
		return queryValues(clauses[0])
	}
	return queryValues(andQuery(clauses...))
}

func eq(field, value string) []any {
	return []any{"=", field, value}
}

func andQuery(clauses ...any) []any {
	return append([]any{"and"}, clauses...)
}

func queryValues(q any) url.Values {
	data, err := json.Marshal(q)
	if err != nil {
		// only strings and slices are ever marshalled here
		panic(err)
	}
	return url.Values{"query": []string{string(data)}}
}

// resourceType maps "service" to "Nagios_service".
func resourceType(typ string) string {
	return resourcePrefix + typ
}

// normalizeType accepts "service", "Nagios_service" or "NagiosService".
func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimPrefix(t, resourcePrefix)
	t = strings.TrimPrefix(t, "Nagios")
	return strings.ToLower(t)
}

var _ Source = (*PuppetDB)(nil)
