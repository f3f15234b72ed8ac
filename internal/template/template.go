// Package template implements the flat {placeholder} substitution used to
// personalize subject and body text per recipient.
//
// Only tokens of the form {identifier} are substituted. Braces that do not
// wrap a bare identifier, such as CSS blocks inside an HTML body, pass
// through untouched. There are no conditionals or loops.
package template

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// placeholderPattern matches {firstname}-style tokens but not {display:none}.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Set holds the shared templates for one run. Text is optional; when set the
// message carries a plain-text alternative alongside the HTML body.
type Set struct {
	Subject string
	HTML    string
	Text    string
}

// UnresolvedError reports a placeholder with no matching recipient field.
type UnresolvedError struct {
	Placeholder string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("template placeholder {%s} has no matching recipient field", e.Placeholder)
}

// Load resolves a template argument: a leading "@" means "read the template
// text from this file", otherwise the argument itself is the template.
func Load(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	data, err := os.ReadFile(arg[1:])
	if err != nil {
		return "", fmt.Errorf("failed to read template file: %w", err)
	}
	return string(data), nil
}

// Render substitutes every {identifier} token in tpl with the matching value
// from fields. Matching is exact and case-sensitive. A field that exists with
// an empty value substitutes the empty string; a token naming no field at all
// makes rendering fail with an *UnresolvedError.
func Render(tpl string, fields map[string]string) (string, error) {
	var unresolved string
	out := placeholderPattern.ReplaceAllStringFunc(tpl, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := fields[name]; ok {
			return v
		}
		if unresolved == "" {
			unresolved = name
		}
		return token
	})
	if unresolved != "" {
		return "", &UnresolvedError{Placeholder: unresolved}
	}
	return out, nil
}
