package render

import (
	"fmt"
	"strings"
)

// Error reports inventory data that cannot be rendered. When Render returns
// an Error no files are produced.
type Error struct {
	Host   string
	Check  string
	Object string // "<type> <name>" for definitions not bound to a host
	Field  string
	Reason string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("render")
	if e.Host != "" {
		fmt.Fprintf(&b, " host %q", e.Host)
	}
	if e.Check != "" {
		fmt.Fprintf(&b, " check %q", e.Check)
	}
	if e.Object != "" {
		fmt.Fprintf(&b, " %s", e.Object)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}
