package inventory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// metaParams are puppet resource metaparameters that never map to a Nagios
// directive.
var metaParams = map[string]struct{}{
	"target":    {},
	"require":   {},
	"before":    {},
	"subscribe": {},
	"tag":       {},
	"notify":    {},
	"ensure":    {},
	"mode":      {},
	"owner":     {},
	"group":     {},
}

// normalizeParams converts decoded JSON parameter values into directive
// strings. Empty values and metaparameters are dropped.
func normalizeParams(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for name, value := range raw {
		if _, skip := metaParams[name]; skip {
			continue
		}
		s := paramString(value)
		if s == "" {
			continue
		}
		out[name] = s
	}
	return out
}

func paramString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "1"
		}
		return "0"
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := paramString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return compactJSON(v)
	}
}

// factString stringifies a fact value. Structured facts keep their JSON form
// so templates can still inspect them.
func factString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return compactJSON(v)
	}
}

func factMap(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = factString(v)
	}
	return out
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}

// SplitCheckCommand splits a Nagios check_command on unescaped '!' into the
// command name and its arguments. Escaped "\!" is unescaped in arguments.
func SplitCheckCommand(s string) (string, []string) {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == '!' {
			cur.WriteByte('!')
			i++
			continue
		}
		if c == '!' {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	parts = append(parts, cur.String())
	return strings.TrimSpace(parts[0]), parts[1:]
}

// checkFromParams builds a ServiceCheck from normalised service directives.
// Scheduling values that are not integers stay in Params verbatim.
func checkFromParams(description string, params map[string]string) ServiceCheck {
	rest := make(map[string]string, len(params))
	for k, v := range params {
		rest[k] = v
	}

	check := ServiceCheck{Description: description}
	if d, ok := rest["service_description"]; ok {
		check.Description = d
		delete(rest, "service_description")
	}
	if cmd, ok := rest["check_command"]; ok {
		check.Command, check.Args = SplitCheckCommand(cmd)
		delete(rest, "check_command")
	}
	delete(rest, "host_name")

	for key, dst := range map[string]*int{
		"check_interval":     &check.CheckInterval,
		"retry_interval":     &check.RetryInterval,
		"max_check_attempts": &check.MaxCheckAttempts,
	} {
		raw, ok := rest[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		*dst = n
		delete(rest, key)
	}

	check.Params = rest
	return check
}
