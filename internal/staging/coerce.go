// Package staging materializes extracted records into upsert-friendly
// staging tables. Column types come from the source's declared schema,
// never from sampling the data: mixed nulls, placeholder dates and
// numeric-vs-string collisions make inference non-deterministic.
package staging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerlift/ledgerlift-core/internal/source"
)

// SchemaMismatchError is fatal: the upstream sent a value that cannot be
// coerced to its declared type. The job halts for operator intervention;
// silent coercion would corrupt the warehouse.
type SchemaMismatchError struct {
	Resource string
	Field    string
	Declared source.FieldType
	Value    any
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on %s.%s: value %v (%T) does not match declared type %s",
		e.Resource, e.Field, e.Value, e.Value, e.Declared)
}

// Row is one coerced staging row: values aligned to the declared field
// order, plus the extracted natural id.
type Row struct {
	NaturalID string
	Values    []any
}

// Coerce converts one raw record into a staging row, casting every field
// to its declared type. Unknown extra fields in the record are ignored;
// missing nullable fields become NULL; a missing non-nullable field is a
// schema mismatch.
func Coerce(rec source.Record, sch *source.Schema) (*Row, error) {
	row := &Row{Values: make([]any, len(sch.Fields))}

	for i, f := range sch.Fields {
		raw, present := rec[f.Name]
		if !present || raw == nil {
			if !f.Nullable {
				return nil, &SchemaMismatchError{Resource: sch.Resource, Field: f.Name, Declared: f.Type, Value: raw}
			}
			row.Values[i] = nil
			continue
		}

		v, err := coerceValue(raw, f.Type)
		if err != nil {
			return nil, &SchemaMismatchError{Resource: sch.Resource, Field: f.Name, Declared: f.Type, Value: raw}
		}
		row.Values[i] = v

		if f.Name == sch.NaturalKey {
			id, ok := v.(string)
			if !ok || id == "" {
				return nil, &SchemaMismatchError{Resource: sch.Resource, Field: f.Name, Declared: f.Type, Value: raw}
			}
			row.NaturalID = id
		}
	}

	if row.NaturalID == "" {
		return nil, &SchemaMismatchError{Resource: sch.Resource, Field: sch.NaturalKey, Declared: source.TypeString, Value: rec[sch.NaturalKey]}
	}
	return row, nil
}

func coerceValue(raw any, t source.FieldType) (any, error) {
	switch t {
	case source.TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64, int, int64, bool:
			return fmt.Sprintf("%v", v), nil
		}

	case source.TypeInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, nil
			}
		}

	case source.TypeDecimal:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, nil
			}
		}

	case source.TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, nil
			}
		case float64:
			return v != 0, nil
		}

	case source.TypeTimestamp:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			return parseTime(v)
		}

	case source.TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v.Truncate(24 * time.Hour), nil
		case string:
			if ts, err := parseTime(v); err == nil {
				return ts.Truncate(24 * time.Hour), nil
			}
		}

	case source.TypeJSON:
		// Nested values are serialized opaquely, never flattened.
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}

	return nil, fmt.Errorf("cannot coerce %T to %s", raw, t)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}
