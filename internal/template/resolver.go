// Package template resolves {{path}} placeholders against an execution
// context.
//
// A path is looked up verbatim first, because node ids may contain dots and
// hyphens, and then walked segment by segment through nested maps and
// slices. Anything that cannot be resolved is left in place, so a missing
// variable shows up as a visible placeholder instead of an empty string.
package template

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve returns a copy of value with every placeholder replaced by the
// text of its value. Strings, slices and maps are walked recursively; other
// leaves are returned as is.
func Resolve(value interface{}, vars map[string]interface{}) interface{} {
	return resolve(value, vars, false)
}

// ResolveTyped behaves like Resolve except that a string consisting of
// exactly one placeholder is replaced by the referenced value itself, keeping
// numbers, lists and objects intact for tool inputs and output shapes.
func ResolveTyped(value interface{}, vars map[string]interface{}) interface{} {
	return resolve(value, vars, true)
}

func resolve(value interface{}, vars map[string]interface{}, typed bool) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, vars, typed)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolve(item, vars, typed)
		}
		return out
	case []string:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolveString(item, vars, typed)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = resolve(item, vars, typed)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = resolveString(item, vars, typed)
		}
		return out
	default:
		return value
	}
}

// ResolveString resolves a single string.
func ResolveString(s string, vars map[string]interface{}) string {
	return Stringify(resolveString(s, vars, false))
}

// HasTokens reports whether s contains at least one placeholder.
func HasTokens(s string) bool {
	return tokenPattern.MatchString(s)
}

func resolveString(s string, vars map[string]interface{}, typed bool) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}

	if match := tokenPattern.FindStringSubmatchIndex(s); typed && match != nil && match[0] == 0 && match[1] == len(s) {
		if value, ok := Lookup(s[match[2]:match[3]], vars); ok {
			return value
		}
		return s
	}

	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		expr := tokenPattern.FindStringSubmatch(token)[1]
		value, ok := Lookup(expr, vars)
		if !ok {
			return token
		}
		return Stringify(value)
	})
}

// Lookup resolves a single expression. It never panics; a failed lookup
// returns false.
func Lookup(expr string, vars map[string]interface{}) (value interface{}, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			value, ok = nil, false
		}
	}()

	expr = strings.TrimSpace(expr)
	if expr == "" || vars == nil {
		return nil, false
	}

	if value, ok := vars[expr]; ok {
		return value, true
	}

	parts := strings.Split(expr, ".")
	var current interface{} = vars
	for i := 0; i < len(parts); i++ {
		next, consumed, ok := step(current, parts[i:])
		if !ok {
			return nil, false
		}
		current = next
		i += consumed - 1
	}
	return current, true
}

// step descends one level, preferring the longest run of segments that names
// an existing key so that keys containing dots still resolve mid-path.
func step(current interface{}, parts []string) (interface{}, int, bool) {
	switch container := current.(type) {
	case map[string]interface{}:
		for n := len(parts); n >= 1; n-- {
			if value, ok := container[strings.Join(parts[:n], ".")]; ok {
				return value, n, true
			}
		}
		return nil, 0, false
	case map[string]string:
		for n := len(parts); n >= 1; n-- {
			if value, ok := container[strings.Join(parts[:n], ".")]; ok {
				return value, n, true
			}
		}
		return nil, 0, false
	case []interface{}:
		index, err := strconv.Atoi(parts[0])
		if err != nil || index < 0 || index >= len(container) {
			return nil, 0, false
		}
		return container[index], 1, true
	default:
		rv := reflect.ValueOf(current)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			index, err := strconv.Atoi(parts[0])
			if err != nil || index < 0 || index >= rv.Len() {
				return nil, 0, false
			}
			return rv.Index(index).Interface(), 1, true
		}
		if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
			value := rv.MapIndex(reflect.ValueOf(parts[0]).Convert(rv.Type().Key()))
			if !value.IsValid() {
				return nil, 0, false
			}
			return value.Interface(), 1, true
		}
		return nil, 0, false
	}
}

// Stringify renders a resolved value for embedding in text. Maps and slices
// are rendered as JSON.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if data, err := json.Marshal(value); err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(value)
}
