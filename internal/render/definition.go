package render

import (
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/pingsantohq/naginator/internal/inventory"
)

// Directive is one "name value" line of an object definition. Value is
// already escaped.
type Directive struct {
	Name  string
	Value string
}

// Definition is a single "define <type> { ... }" block.
type Definition struct {
	Type       string
	Directives []Directive
}

func (d *Definition) add(name, value string) {
	d.addRaw(name, EscapeValue(value))
}

func (d *Definition) addRaw(name, value string) {
	if value == "" {
		return
	}
	d.Directives = append(d.Directives, Directive{Name: name, Value: value})
}

// Get returns the value of the named directive.
func (d Definition) Get(name string) string {
	for _, dir := range d.Directives {
		if dir.Name == name {
			return dir.Value
		}
	}
	return ""
}

func set(names ...string) map[string]struct{} {
	return lo.SliceToMap(names, func(n string) (string, struct{}) { return n, struct{}{} })
}

// allowedDirectives restricts which inventory parameters reach a definition.
// Types without an entry accept any well-formed directive name.
var allowedDirectives = map[string]map[string]struct{}{
	"host": set("name", "register", "host_name", "alias", "display_name", "address",
		"parents", "hostgroups", "check_command", "initial_state", "max_check_attempts",
		"check_interval", "retry_interval", "active_checks_enabled", "passive_checks_enabled",
		"check_period", "obsess_over_host", "check_freshness", "freshness_threshold",
		"event_handler", "event_handler_enabled", "low_flap_threshold", "high_flap_threshold",
		"flap_detection_enabled", "flap_detection_options", "process_perf_data",
		"retain_status_information", "retain_nonstatus_information", "contacts",
		"contact_groups", "notification_interval", "first_notification_delay",
		"notification_period", "notification_options", "notifications_enabled",
		"stalking_options", "notes", "notes_url", "action_url", "icon_image",
		"icon_image_alt", "vrml_image", "statusmap_image", "2d_coords", "3d_coords", "use"),
	"service": set("name", "register", "host_name", "hostgroup_name", "service_description",
		"display_name", "servicegroups", "is_volatile", "check_command", "initial_state",
		"max_check_attempts", "check_interval", "retry_interval", "active_checks_enabled",
		"passive_checks_enabled", "check_period", "obsess_over_service", "check_freshness",
		"freshness_threshold", "event_handler", "event_handler_enabled", "low_flap_threshold",
		"high_flap_threshold", "flap_detection_enabled", "flap_detection_options",
		"process_perf_data", "retain_status_information", "retain_nonstatus_information",
		"notification_interval", "first_notification_delay", "notification_period",
		"notification_options", "notifications_enabled", "contacts", "contact_groups",
		"stalking_options", "notes", "notes_url", "action_url", "icon_image",
		"icon_image_alt", "use"),
	"hostgroup":    set("hostgroup_name", "alias", "members", "hostgroup_members", "notes", "notes_url", "action_url"),
	"servicegroup": set("servicegroup_name", "alias", "members", "servicegroup_members", "notes", "notes_url", "action_url"),
	"command":      set("command_name", "command_line"),
	"contact": set("contact_name", "alias", "contactgroups", "host_notifications_enabled",
		"service_notifications_enabled", "host_notification_period", "service_notification_period",
		"host_notification_options", "service_notification_options", "host_notification_commands",
		"service_notification_commands", "email", "pager", "address1", "address2", "address3",
		"address4", "address5", "address6", "can_submit_commands", "retain_status_information",
		"retain_nonstatus_information", "use", "name", "register"),
	"contactgroup": set("contactgroup_name", "alias", "members", "contactgroup_members"),
}

// nameDirectives is the directive that carries an object's name. Host and
// service objects are templates. Escalations, dependencies and extinfo
// definitions have no name of their own.
var nameDirectives = map[string]string{
	"host":         "name",
	"service":      "name",
	"hostgroup":    "hostgroup_name",
	"servicegroup": "servicegroup_name",
	"command":      "command_name",
	"contact":      "contact_name",
	"contactgroup": "contactgroup_name",
	"timeperiod":   "timeperiod_name",
}

// allowed reports whether name may be copied from inventory params into a
// definition of type typ. Custom variables (leading '_') are always allowed
// on hosts, services and contacts.
func allowed(typ, name string) bool {
	if strings.HasPrefix(name, "_") && (typ == "host" || typ == "service" || typ == "contact") {
		return true
	}
	dirs, ok := allowedDirectives[typ]
	if !ok {
		return true
	}
	_, ok = dirs[name]
	return ok
}

// addParams appends params in name order, skipping names already present,
// names in skip and names the type does not accept.
func (d *Definition) addParams(params map[string]string, skip ...string) error {
	done := set(skip...)
	for _, dir := range d.Directives {
		done[dir.Name] = struct{}{}
	}
	names := lo.Keys(params)
	sort.Strings(names)
	for _, name := range names {
		if _, ok := done[name]; ok {
			continue
		}
		if !directiveName.MatchString(name) {
			return &Error{Field: name, Reason: "invalid directive name"}
		}
		if !allowed(d.Type, name) {
			continue
		}
		d.add(name, params[name])
	}
	return nil
}

func (r *Renderer) hostDefinition(h inventory.Host) (Definition, error) {
	if err := checkName(h.Name, false); err != nil {
		return Definition{}, &Error{Host: h.Name, Field: "host_name", Reason: err.Error()}
	}
	address := h.Params["address"]
	if address == "" {
		address = h.Facts[r.opts.AddressFact]
	}
	if strings.TrimSpace(address) == "" {
		// Nagios resolves a host without an address by its host_name.
		address = h.Name
	}

	d := Definition{Type: "host"}
	d.add("host_name", h.Name)
	d.add("address", address)
	if err := d.addParams(h.Params); err != nil {
		return Definition{}, withContext(err, h.Name, "")
	}
	return d, nil
}

func (r *Renderer) serviceDefinition(h inventory.Host, c inventory.ServiceCheck) (Definition, error) {
	desc := strings.TrimSpace(c.Description)
	if desc == "" {
		return Definition{}, &Error{Host: h.Name, Field: "service_description", Reason: "missing required field"}
	}
	if err := checkName(desc, true); err != nil {
		return Definition{}, &Error{Host: h.Name, Check: desc, Field: "service_description", Reason: err.Error()}
	}
	cmd := strings.TrimSpace(c.Command)
	if cmd == "" {
		return Definition{}, &Error{Host: h.Name, Check: desc, Field: "check_command", Reason: "missing required field"}
	}
	if err := checkName(cmd, false); err != nil {
		return Definition{}, &Error{Host: h.Name, Check: desc, Field: "check_command", Reason: err.Error()}
	}

	d := Definition{Type: "service"}
	d.add("host_name", h.Name)
	d.add("service_description", desc)
	d.addRaw("check_command", checkCommand(cmd, c.Args))
	for _, n := range []struct {
		name  string
		value int
	}{
		{"check_interval", c.CheckInterval},
		{"retry_interval", c.RetryInterval},
		{"max_check_attempts", c.MaxCheckAttempts},
	} {
		if n.value > 0 {
			d.addRaw(n.name, strconv.Itoa(n.value))
		}
	}
	if err := d.addParams(c.Params); err != nil {
		return Definition{}, withContext(err, h.Name, desc)
	}
	return d, nil
}

func checkCommand(cmd string, args []string) string {
	var b strings.Builder
	b.WriteString(EscapeValue(cmd))
	for _, a := range args {
		b.WriteByte('!')
		b.WriteString(EscapeArg(a))
	}
	return b.String()
}

func objectDefinition(o inventory.Object) (Definition, error) {
	label := o.Type + " " + o.Name
	if !directiveName.MatchString(o.Type) {
		return Definition{}, &Error{Object: label, Field: "type", Reason: "invalid object type"}
	}
	d := Definition{Type: o.Type}
	if nameDir := nameDirectives[o.Type]; nameDir != "" {
		if err := checkName(o.Name, false); err != nil {
			return Definition{}, &Error{Object: label, Field: nameDir, Reason: err.Error()}
		}
		d.add(nameDir, o.Name)
	}
	if err := d.addParams(o.Params); err != nil {
		if rerr, ok := err.(*Error); ok {
			rerr.Object = label
		}
		return Definition{}, err
	}
	return d, nil
}

func withContext(err error, host, check string) error {
	if rerr, ok := err.(*Error); ok {
		rerr.Host, rerr.Check = host, check
	}
	return err
}
