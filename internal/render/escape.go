package render

import (
	"fmt"
	"regexp"
	"strings"
)

// illegalNameChars mirrors the default illegal_object_name_chars of nagios.cfg.
const illegalNameChars = "`~!$%^&*|'\"<>?,()="

var (
	newlines      = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")
	directiveName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	unsafeSlug    = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// EscapeValue makes s safe as a directive value: line breaks collapse to a
// space and ';', which starts a comment, is escaped. Trailing backslashes are
// dropped since Nagios joins a line ending in one with the next line.
func EscapeValue(s string) string {
	s = strings.TrimSpace(newlines.Replace(s))
	s = strings.TrimSpace(strings.TrimRight(s, `\`))
	return escapeChar(s, ';')
}

// EscapeArg escapes a check_command argument. On top of EscapeValue, '!'
// separates arguments and must be escaped inside one.
func EscapeArg(s string) string {
	return escapeChar(EscapeValue(s), '!')
}

// escapeChar prefixes every unescaped c with a backslash.
func escapeChar(s string, c byte) string {
	if strings.IndexByte(s, c) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			b.WriteByte(s[i])
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if s[i] == c {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// checkName validates an object name. Service descriptions may contain
// spaces, every other name may not.
func checkName(name string, allowSpace bool) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty name")
	}
	if strings.ContainsAny(name, "\r\n\t") {
		return fmt.Errorf("name %q contains a line break or tab", name)
	}
	if !allowSpace && strings.Contains(name, " ") {
		return fmt.Errorf("name %q contains whitespace", name)
	}
	if i := strings.IndexAny(name, illegalNameChars); i >= 0 {
		return fmt.Errorf("name %q contains illegal character %q", name, name[i])
	}
	return nil
}

// Slug maps s onto a file name fragment made of [A-Za-z0-9._-].
func Slug(s string) string {
	s = unsafeSlug.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

func formatDirective(name, value string) string {
	return fmt.Sprintf("%-30s %s", name, value)
}
