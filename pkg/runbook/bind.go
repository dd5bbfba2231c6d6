package runbook

import (
	"fmt"
	"strings"
)

// BindInputs realizes a command template by substituting {name} placeholders
// with their values. Binding happens after shell escaping: when shell is
// true each value is single-quote wrapped with embedded single quotes
// escaped, so metacharacters in inputs cannot break out of the argument.
// When shell is false the values are substituted verbatim and the connector
// binds them as argv elements, never through a shell.
func BindInputs(template string, inputs map[string]string, shell bool) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(template, func(ph string) string {
		name := ph[1 : len(ph)-1]
		val, ok := inputs[name]
		if !ok {
			missing = append(missing, name)
			return ph
		}
		if shell {
			return QuoteShell(val)
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unbound inputs: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// QuoteShell wraps a value in single quotes for safe interpolation into a
// POSIX shell command. Embedded single quotes are escaped by closing the
// quote, emitting \' and reopening.
func QuoteShell(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// ValidateInputs checks provided inputs against the spec's declarations.
// Required inputs must be present; undeclared inputs are rejected.
func (s *Spec) ValidateInputs(inputs map[string]string) error {
	declared := make(map[string]bool, len(s.Inputs))
	for _, in := range s.Inputs {
		declared[in.Name] = true
		if in.Required {
			if _, ok := inputs[in.Name]; !ok {
				return &ValidationError{Field: "inputs", Message: fmt.Sprintf("required input %q missing", in.Name)}
			}
		}
	}
	for name := range inputs {
		if !declared[name] {
			return &ValidationError{Field: "inputs", Message: fmt.Sprintf("undeclared input %q", name)}
		}
	}
	return nil
}
