// Package redact scrubs sensitive values out of arbitrary payloads before
// they are persisted or shipped anywhere. It never fails: whatever comes in,
// something safe comes out.
package redact

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	// Placeholder replaces values whose key matches the sensitive set.
	Placeholder = "[REDACTED]"

	// TruncationMarker replaces subtrees deeper than the depth bound.
	TruncationMarker = "[TRUNCATED]"
)

// Policy configures a Redactor.
type Policy struct {
	// SensitiveKeys are compared case-insensitively but exactly against map
	// keys and struct field names. keyDates is not key.
	SensitiveKeys []string

	// MaxDepth bounds recursion. Anything deeper is truncated. This is also
	// what keeps cyclic structures from spinning forever.
	MaxDepth int
}

// DefaultPolicy covers the credential-shaped fields that keep showing up in
// CRM payloads.
func DefaultPolicy() Policy {
	return Policy{
		SensitiveKeys: []string{
			"password", "token", "secret", "key",
			"authorization", "apikey", "clientsecret",
		},
		MaxDepth: 4,
	}
}

type Redactor struct {
	keys     []string
	maxDepth int
}

func New(policy Policy) *Redactor {
	if policy.MaxDepth <= 0 {
		policy.MaxDepth = DefaultPolicy().MaxDepth
	}
	if len(policy.SensitiveKeys) == 0 {
		policy.SensitiveKeys = DefaultPolicy().SensitiveKeys
	}

	keys := make([]string, 0, len(policy.SensitiveKeys))
	for _, k := range policy.SensitiveKeys {
		keys = append(keys, strings.ToLower(k))
	}

	return &Redactor{
		keys:     keys,
		maxDepth: policy.MaxDepth,
	}
}

// Sanitize returns a deep copy of v with sensitive values replaced and deep
// subtrees truncated. The input is never mutated.
func (r *Redactor) Sanitize(v interface{}) (out interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			out = fmt.Sprintf("<unsanitizable: %v>", rec)
		}
	}()
	return r.walk(v, 0)
}

// SensitiveKey reports whether key is in the sensitive set. Matching is
// case-insensitive and exact so that non-sensitive fields that merely
// contain a credential word (tokenCount, keyDates) pass through.
func (r *Redactor) SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if lower == k {
			return true
		}
	}
	return false
}

// SensitiveHeader reports whether a header name should have its value
// masked. Header conventions embed the credential word in a longer name
// (X-Api-Key, X-Auth-Token), so unlike payload keys these match on
// substring.
func (r *Redactor) SensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (r *Redactor) walk(v interface{}, depth int) interface{} {
	if v == nil {
		return nil
	}
	if depth > r.maxDepth {
		return TruncationMarker
	}

	switch tv := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return tv
	case time.Time:
		return tv.Format(time.RFC3339)
	case *time.Time:
		if tv == nil {
			return nil
		}
		return tv.Format(time.RFC3339)
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(tv))
	case map[string]interface{}:
		return r.walkStringMap(tv, depth)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, elem := range tv {
			out[i] = r.walk(elem, depth+1)
		}
		return out
	case error:
		return tv.Error()
	}

	return r.walkReflect(reflect.ValueOf(v), depth)
}

func (r *Redactor) walkStringMap(m map[string]interface{}, depth int) interface{} {
	out := make(map[string]interface{}, len(m))
	for key, val := range m {
		if r.SensitiveKey(key) {
			out[key] = Placeholder
			continue
		}
		out[key] = r.walk(val, depth+1)
	}
	return collapseReference(out)
}

// collapseReference flattens {"id": X} / {"_id": X} wrappers to the bare id.
// Populated document references add noise without adding information.
func collapseReference(m map[string]interface{}) interface{} {
	if len(m) != 1 {
		return m
	}
	for key, val := range m {
		if key == "id" || key == "_id" {
			return val
		}
	}
	return m
}

func (r *Redactor) walkReflect(rv reflect.Value, depth int) interface{} {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return r.walk(rv.Elem().Interface(), depth)
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			if r.SensitiveKey(key) {
				out[key] = Placeholder
				continue
			}
			out[key] = r.walk(iter.Value().Interface(), depth+1)
		}
		return collapseReference(out)
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = r.walk(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name := jsonFieldName(field)
			if name == "-" {
				continue
			}
			if r.SensitiveKey(name) {
				out[name] = Placeholder
				continue
			}
			out[name] = r.walk(rv.Field(i).Interface(), depth+1)
		}
		return out
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("<%s>", rv.Kind())
	default:
		return fmt.Sprintf("%v", rv.Interface())
	}
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name
	}
	return name
}
