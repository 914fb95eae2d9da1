package string

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var re = regexp.MustCompile(`\$\{(!?)([A-Za-z_][A-Za-z0-9_.]*)(?::-([^}]*))?\}`)

// LookupFunc resolves a variable name.
type LookupFunc func(string) (string, bool)

// Interpolate replaces ${NAME} references in val with values from lookup.
//
//	${NAME}          value of NAME, empty when unset
//	${NAME:-default} value of NAME, default when unset or empty
//	${!NAME}         value of NAME, an error when unset or empty
//
// Text outside of ${} is left as is.
func Interpolate(val string, lookup LookupFunc) (string, error) {
	if val == "" || !strings.Contains(val, "${") {
		return val, nil
	}
	var missing []string
	val = re.ReplaceAllStringFunc(val, func(s string) string {
		tok := re.FindStringSubmatch(s)
		required, key, def := tok[1] == "!", tok[2], tok[3]
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		if required {
			missing = append(missing, key)
		}
		return def
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("required value not found for key '%s'", strings.Join(missing, "', '"))
	}
	return val, nil
}

// InterpolateEnv is Interpolate against the process environment.
func InterpolateEnv(val string) (string, error) {
	return Interpolate(val, os.LookupEnv)
}

// InterpolateMap is Interpolate against the first map holding each key.
func InterpolateMap(val string, env ...map[string]string) (string, error) {
	return Interpolate(val, func(key string) (string, bool) {
		for _, e := range env {
			if v, ok := e[key]; ok {
				return v, true
			}
		}
		return "", false
	})
}
