package namespace

import "regexp"

// =============================================================================
// Variable Substitution
// =============================================================================

// varPlaceholderRegex matches ${VAR} and ${VAR:-default}.
// Groups:
//   - Group 1: variable name
//   - Group 2: ":-default" marker (optional)
//   - Group 3: default value
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Substitute replaces ${VAR} and ${VAR:-default} placeholders with values
// from vars.
//
//   - ${VAR} is replaced with vars["VAR"] if set, otherwise kept as-is
//   - ${VAR:-default} is replaced with vars["VAR"] if set, otherwise default
//     (which may be empty)
//
// Example:
//
//	Substitute("${STACK_STATE_DIR}/celerybeat-schedule", vars)
func Substitute(value string, vars map[string]string) string {
	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		sub := varPlaceholderRegex.FindStringSubmatch(match)
		if val, ok := vars[sub[1]]; ok {
			return val
		}
		if sub[2] != "" {
			return sub[3]
		}
		return match
	})
}

// SubstituteAll applies Substitute to every element of values.
func SubstituteAll(values []string, vars map[string]string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Substitute(v, vars)
	}
	return out
}
