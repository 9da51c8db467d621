package catalog

import (
	"strconv"
	"strings"

	"github.com/evermark/retsync/rets"
)

// DataType is the declared type of a remote field.
type DataType int

const (
	TypeCharacter DataType = iota
	TypeInt
	TypeSmall
	TypeTiny
	TypeLong
	TypeDecimal
	TypeDateTime
	TypeDate
	TypeTime
	TypeBoolean
)

// Interpretation qualifies how a field's values are to be read.
type Interpretation int

const (
	InterpNone Interpretation = iota
	InterpLookup
	InterpLookupMulti
)

// FieldDef is one column of a remote table, as declared by METADATA-TABLE.
type FieldDef struct {
	SystemName   string
	StandardName string
	LongName     string
	Type         DataType
	MaxLength    int
	Precision    int
	Interp       Interpretation
	LookupName   string
	Required     bool
}

// Temporal reports whether the field holds a date, datetime or time value.
// Temporal columns get zero-value substitution instead of NULL on upsert.
func (f FieldDef) Temporal() bool {
	switch f.Type {
	case TypeDate, TypeDateTime, TypeTime:
		return true
	}
	return false
}

func parseDataType(s string) DataType {
	switch strings.ToLower(s) {
	case "int":
		return TypeInt
	case "small":
		return TypeSmall
	case "tiny":
		return TypeTiny
	case "long":
		return TypeLong
	case "decimal":
		return TypeDecimal
	case "datetime":
		return TypeDateTime
	case "date":
		return TypeDate
	case "time":
		return TypeTime
	case "boolean":
		return TypeBoolean
	default:
		return TypeCharacter
	}
}

func parseInterpretation(s string) Interpretation {
	switch strings.ToLower(s) {
	case "lookup":
		return InterpLookup
	case "lookupmulti":
		return InterpLookupMulti
	default:
		return InterpNone
	}
}

// FieldsFromMetadata maps a METADATA-TABLE response to field definitions.
// Rows missing a SystemName are skipped; everything else degrades to the
// Character fallback rather than failing the table.
func FieldsFromMetadata(resp *rets.MetadataResponse) []FieldDef {
	col := map[string]int{}
	for i, c := range resp.Columns {
		col[c] = i
	}
	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var fields []FieldDef
	for _, row := range resp.Rows {
		systemName := get(row, "SystemName")
		if systemName == "" {
			continue
		}
		maxLen, _ := strconv.Atoi(get(row, "MaximumLength"))
		precision, _ := strconv.Atoi(get(row, "Precision"))
		fields = append(fields, FieldDef{
			SystemName:   systemName,
			StandardName: get(row, "StandardName"),
			LongName:     get(row, "LongName"),
			Type:         parseDataType(get(row, "DataType")),
			MaxLength:    maxLen,
			Precision:    precision,
			Interp:       parseInterpretation(get(row, "Interpretation")),
			LookupName:   get(row, "LookupName"),
			Required:     get(row, "Required") == "1",
		})
	}
	return fields
}
