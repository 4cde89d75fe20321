package utils

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// EnvPrefix is prepended to every variable produced by StructToEnvVars.
const EnvPrefix = "PBS_PLUS__"

// StructToEnvVars flattens the exported fields of s into KEY=value pairs.
// Keys come from the env tag or the field name in SNAKE_UPPER_CASE. Slices
// are joined with commas and maps become one variable per entry.
func StructToEnvVars(s interface{}) ([]string, error) {
	tagName := "env"

	v := reflect.ValueOf(s)

	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input is not a struct")
	}

	envVars := []string{}
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.PkgPath != "" {
			continue
		}

		key := field.Tag.Get(tagName)
		if key == "-" {
			continue
		}
		if key == "" {
			key = toSnakeUpper(field.Name)
		}

		fieldValue := v.Field(i)

		switch fieldValue.Kind() {
		case reflect.Slice:
			parts := make([]string, 0, fieldValue.Len())
			for j := 0; j < fieldValue.Len(); j++ {
				parts = append(parts, fmt.Sprintf("%v", fieldValue.Index(j).Interface()))
			}
			envVars = append(envVars, fmt.Sprintf("%s%s=%s", EnvPrefix, key, strings.Join(parts, ",")))
		case reflect.Map:
			keys := fieldValue.MapKeys()
			sort.Slice(keys, func(a, b int) bool {
				return fmt.Sprint(keys[a].Interface()) < fmt.Sprint(keys[b].Interface())
			})
			for _, k := range keys {
				name := toSnakeUpper(strings.NewReplacer("-", "_", ".", "_").Replace(fmt.Sprint(k.Interface())))
				envVars = append(envVars, fmt.Sprintf("%s%s__%s=%v", EnvPrefix, key, name, fieldValue.MapIndex(k).Interface()))
			}
		default:
			envVars = append(envVars, fmt.Sprintf("%s%s=%v", EnvPrefix, key, fieldValue.Interface()))
		}
	}

	return envVars, nil
}

// toSnakeUpper converts a CamelCase string to SNAKE_UPPER_CASE.
func toSnakeUpper(s string) string {
	var result []rune
	for i, r := range s {
		if i > 0 && strings.ToUpper(string(r)) == string(r) && strings.ToLower(string(s[i-1])) == string(s[i-1]) && r != '_' && s[i-1] != '_' {
			result = append(result, '_')
		}
		result = append(result, r)
	}
	return strings.ToUpper(string(result))
}
