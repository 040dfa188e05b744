package render

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/samber/lo"

	"github.com/pingsantohq/naginator/internal/inventory"
)

// HostGroupRule derives hostgroups from facts. Name and Alias are Go
// templates executed over a host's facts, e.g. "os_{{ .operatingsystem }}".
// Only hosts whose facts equal every Match entry and whose catalog holds
// every Resources type/title pair are considered.
type HostGroupRule struct {
	Name      string
	Alias     string
	Match     map[string]string
	Resources map[string]string
}

// ResourceRefs lists the resources rules select on, for the inventory to
// look up.
func ResourceRefs(rules []HostGroupRule) []inventory.ResourceRef {
	var refs []inventory.ResourceRef
	for _, rule := range rules {
		for typ, title := range rule.Resources {
			refs = append(refs, inventory.ResourceRef{Type: typ, Title: title})
		}
	}
	refs = lo.Uniq(refs)
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

type compiledRule struct {
	source HostGroupRule
	name   *template.Template
	alias  *template.Template
}

func compileRules(rules []HostGroupRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		name, err := compileFactTemplate(fmt.Sprintf("hostgroup[%d].name", i), rule.Name)
		if err != nil {
			return nil, err
		}
		aliasText := rule.Alias
		if aliasText == "" {
			aliasText = rule.Name
		}
		alias, err := compileFactTemplate(fmt.Sprintf("hostgroup[%d].alias", i), aliasText)
		if err != nil {
			return nil, err
		}
		out = append(out, compiledRule{source: rule, name: name, alias: alias})
	}
	return out, nil
}

func compileFactTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return tmpl, nil
}

func (c compiledRule) matches(h inventory.Host) bool {
	for fact, want := range c.source.Match {
		if h.Facts[fact] != want {
			return false
		}
	}
	for typ, title := range c.source.Resources {
		if !h.HasResource(inventory.ResourceRef{Type: typ, Title: title}) {
			return false
		}
	}
	return true
}

func evalFactTemplate(tmpl *template.Template, facts map[string]string) (string, error) {
	var b strings.Builder
	if facts == nil {
		facts = map[string]string{}
	}
	if err := tmpl.Execute(&b, facts); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

type hostGroup struct {
	name    string
	alias   string
	members []string
}

// hostGroupDefinitions evaluates every rule over the sorted hosts. The alias
// of a group is taken from its first member.
func (r *Renderer) hostGroupDefinitions(hosts []inventory.Host) (map[string]Definition, error) {
	groups := make(map[string]*hostGroup)
	for _, rule := range r.rules {
		for _, h := range hosts {
			if !rule.matches(h) {
				continue
			}
			name, err := evalFactTemplate(rule.name, h.Facts)
			if err != nil {
				return nil, &Error{Host: h.Name, Field: "hostgroup " + rule.source.Name, Reason: err.Error()}
			}
			if err := checkName(name, false); err != nil {
				return nil, &Error{Host: h.Name, Field: "hostgroup " + rule.source.Name, Reason: err.Error()}
			}
			g, ok := groups[name]
			if !ok {
				alias, err := evalFactTemplate(rule.alias, h.Facts)
				if err != nil {
					return nil, &Error{Host: h.Name, Field: "hostgroup " + rule.source.Name, Reason: err.Error()}
				}
				g = &hostGroup{name: name, alias: alias}
				groups[name] = g
			}
			g.members = append(g.members, h.Name)
		}
	}

	out := make(map[string]Definition, len(groups))
	for name, g := range groups {
		sort.Strings(g.members)
		d := Definition{Type: "hostgroup"}
		d.add("hostgroup_name", g.name)
		d.add("alias", g.alias)
		d.add("members", strings.Join(lo.Uniq(g.members), ","))
		out[name] = d
	}
	return out, nil
}

// serviceGroupDefinitions builds one servicegroup per service description
// with every host running it as a member.
func serviceGroupDefinitions(hosts []inventory.Host) map[string]Definition {
	members := make(map[string][]string)
	for _, h := range hosts {
		for _, c := range h.Checks {
			desc := strings.TrimSpace(c.Description)
			members[desc] = append(members[desc], h.Name+","+desc)
		}
	}
	out := make(map[string]Definition, len(members))
	for desc, m := range members {
		sort.Strings(m)
		d := Definition{Type: "servicegroup"}
		d.add("servicegroup_name", strings.Join(strings.Fields(desc), "_"))
		d.add("alias", desc)
		d.add("members", strings.Join(lo.Uniq(m), ","))
		out[desc] = d
	}
	return out
}
