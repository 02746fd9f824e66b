package normalize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Source exposes named fields of an upstream activity representation.
type Source interface {
	Field(name string) (any, bool)
}

var rootArtifactPattern = regexp.MustCompile(`^root='(.*)'$`)

// ExtractValue resolves field on source, which may be a Source, a map or a struct with
// json tags. It unwraps one "value" wrapper and one "root" wrapper, each either a map
// carrying that key or a struct carrying that field, renders times as RFC 3339 and
// reduces the textual root='X' artifact to X. Absent fields yield nil.
func ExtractValue(source any, field string) any {
	raw, ok := lookup(source, field)
	if !ok {
		return nil
	}
	return unwrap(raw)
}

func lookup(source any, field string) (any, bool) {
	switch typed := source.(type) {
	case nil:
		return nil, false
	case Source:
		return typed.Field(field)
	case map[string]any:
		value, ok := typed[field]
		return value, ok
	}
	return lookupStructField(source, field)
}

func lookupStructField(source any, field string) (any, bool) {
	value := reflect.ValueOf(source)
	for value.Kind() == reflect.Pointer || value.Kind() == reflect.Interface {
		if value.IsNil() {
			return nil, false
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return nil, false
	}
	valueType := value.Type()
	for index := 0; index < valueType.NumField(); index++ {
		structField := valueType.Field(index)
		if !structField.IsExported() {
			continue
		}
		name := strings.Split(structField.Tag.Get("json"), ",")[0]
		if name == "" {
			name = strings.ToLower(structField.Name)
		}
		if name == field {
			return value.Field(index).Interface(), true
		}
	}
	return nil, false
}

func unwrap(value any) any {
	value = unwrapKey(value, "value")
	value = unwrapKey(value, "root")

	switch typed := value.(type) {
	case nil:
		return nil
	case time.Time:
		return typed.Format(time.RFC3339)
	case *time.Time:
		if typed == nil {
			return nil
		}
		return typed.Format(time.RFC3339)
	case string:
		if match := rootArtifactPattern.FindStringSubmatch(typed); match != nil {
			return match[1]
		}
		return typed
	}

	reflected := reflect.ValueOf(value)
	if reflected.Kind() == reflect.Pointer {
		if reflected.IsNil() {
			return nil
		}
		return unwrap(reflected.Elem().Interface())
	}
	return value
}

// unwrapKey returns the key entry of a map, or the field named key of a struct,
// whenever one is present. Other keys or fields beside it are ignored.
func unwrapKey(value any, key string) any {
	if wrapper, ok := value.(map[string]any); ok {
		if inner, found := wrapper[key]; found {
			return inner
		}
		return value
	}
	if inner, found := lookupStructField(value, key); found {
		return inner
	}
	return value
}

func asString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case json.Number:
		return typed.String(), true
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(typed), true
	}
	return "", false
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	}
	return 0, false
}

func asInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed, true
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed, true
		}
	}
	if parsed, ok := asFloat(value); ok {
		return int64(parsed), true
	}
	return 0, false
}

func asBool(value any) (bool, bool) {
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return parsed, err == nil
	}
	if parsed, ok := asFloat(value); ok {
		return parsed != 0, true
	}
	return false, false
}

// ActivityID returns the id field of source when it holds a usable integer.
func ActivityID(source any) (int64, bool) {
	id, ok := asInt64(ExtractValue(source, "id"))
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}
