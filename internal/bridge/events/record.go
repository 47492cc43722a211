package events

// Tolerant accessors for the untyped payload records the gateway emits.
// Agent frames mix camelCase and snake_case spellings; all probing of
// alternative key spellings lives here rather than in the derivation rules.

// asRecord returns v as a JSON object, or nil.
func asRecord(v interface{}) map[string]interface{} {
	record, _ := v.(map[string]interface{})
	return record
}

// stringValue returns the first non-empty string under any of the keys.
func stringValue(record map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := record[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// numberValue returns the first numeric value under any of the keys.
func numberValue(record map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch n := record[key].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}

// anyValue returns the first present value under any of the keys.
func anyValue(record map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, key := range keys {
		if v, ok := record[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// hasAnyKey reports whether any of the keys is present with a non-nil value.
func hasAnyKey(record map[string]interface{}, keys ...string) bool {
	_, ok := anyValue(record, keys...)
	return ok
}

// flattenRecords expands a value into its leaf records. Arrays are walked
// element by element; records that nest further lists under one of nestKeys
// are expanded through those lists, otherwise the record itself is a leaf.
func flattenRecords(v interface{}, nestKeys ...string) []map[string]interface{} {
	var leaves []map[string]interface{}
	collectRecords(v, nestKeys, &leaves, 0)
	return leaves
}

// collectRecords recursion is bounded to guard against self-referencing input.
const maxFlattenDepth = 6

func collectRecords(v interface{}, nestKeys []string, out *[]map[string]interface{}, depth int) {
	if v == nil || depth > maxFlattenDepth {
		return
	}
	switch value := v.(type) {
	case []interface{}:
		for _, item := range value {
			collectRecords(item, nestKeys, out, depth+1)
		}
	case map[string]interface{}:
		nested := false
		for _, key := range nestKeys {
			if inner, ok := value[key]; ok && inner != nil {
				nested = true
				collectRecords(inner, nestKeys, out, depth+1)
			}
		}
		if !nested {
			*out = append(*out, value)
		}
	}
}

// copyFields copies the listed fields from src into dst when present,
// writing each under its first (canonical) key spelling.
func copyFields(dst, src map[string]interface{}, fieldKeys ...[]string) {
	for _, keys := range fieldKeys {
		if _, exists := dst[keys[0]]; exists {
			continue
		}
		if v, ok := anyValue(src, keys...); ok {
			dst[keys[0]] = v
		}
	}
}
