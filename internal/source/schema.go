package source

import "fmt"

// FieldType enumerates the declared column types the upstream publishes.
// Staging always coerces to these; types are never inferred from samples
// because mixed nulls and placeholder values make inference non-deterministic.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int64"
	TypeDecimal   FieldType = "decimal"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
	TypeDate      FieldType = "date"
	// TypeJSON serializes complex or nested values opaquely instead of
	// flattening them speculatively.
	TypeJSON FieldType = "json"
)

// Field is one declared column of an upstream resource.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool

	// Measure marks numeric columns whose sums the quality gate reconciles.
	Measure bool
}

// Schema is the declared shape of one upstream resource type.
type Schema struct {
	// Resource is the upstream resource identifier, e.g. "tx_header".
	Resource string

	// NaturalKey names the field holding the record's natural id.
	NaturalKey string

	// TimeField names the business timestamp used for client-side date
	// filtering; the upstream API has no server-side range filter.
	TimeField string

	Fields []Field
}

// Field returns the declared field by name.
func (s *Schema) Field(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// MeasureFields returns the names of declared measure columns.
func (s *Schema) MeasureFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Measure {
			out = append(out, f.Name)
		}
	}
	return out
}

// Built-in declared schemas for the transactional source. Header, line and
// payment are separate resources sharing the header's natural id as a
// foreign reference.
var builtinSchemas = map[string]*Schema{
	"tx_header": {
		Resource:   "tx_header",
		NaturalKey: "transaction_id",
		TimeField:  "business_date",
		Fields: []Field{
			{Name: "transaction_id", Type: TypeString},
			{Name: "store_code", Type: TypeString},
			{Name: "business_date", Type: TypeTimestamp},
			{Name: "total_amount", Type: TypeDecimal, Measure: true},
			{Name: "tax_amount", Type: TypeDecimal, Measure: true},
			{Name: "discount_amount", Type: TypeDecimal, Nullable: true, Measure: true},
			{Name: "is_reversal", Type: TypeBool, Nullable: true},
			{Name: "channel", Type: TypeString, Nullable: true},
			{Name: "attributes", Type: TypeJSON, Nullable: true},
		},
	},
	"tx_line": {
		Resource:   "tx_line",
		NaturalKey: "line_id",
		TimeField:  "business_date",
		Fields: []Field{
			{Name: "line_id", Type: TypeString},
			{Name: "transaction_id", Type: TypeString},
			{Name: "business_date", Type: TypeTimestamp},
			{Name: "product_code", Type: TypeString},
			{Name: "quantity", Type: TypeDecimal, Measure: true},
			{Name: "line_amount", Type: TypeDecimal, Measure: true},
			{Name: "modifiers", Type: TypeJSON, Nullable: true},
		},
	},
	"tx_payment": {
		Resource:   "tx_payment",
		NaturalKey: "payment_id",
		TimeField:  "business_date",
		Fields: []Field{
			{Name: "payment_id", Type: TypeString},
			{Name: "transaction_id", Type: TypeString},
			{Name: "business_date", Type: TypeTimestamp},
			{Name: "tender_type", Type: TypeString},
			{Name: "amount", Type: TypeDecimal, Measure: true},
			{Name: "reference", Type: TypeString, Nullable: true},
		},
	},
}

// SchemaFor returns the declared schema for a resource type.
func SchemaFor(resource string) (*Schema, error) {
	if s, ok := builtinSchemas[resource]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no declared schema for resource %q", resource)
}

// Resources lists the known resource types.
func Resources() []string {
	return []string{"tx_header", "tx_line", "tx_payment"}
}
