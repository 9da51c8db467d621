// Package schema derives MySQL DDL from remote field metadata. The mapping
// is a total function: anything unrecognized degrades to TEXT rather than
// failing table creation.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/evermark/retsync/catalog"
)

// ColumnType maps one field definition to its MySQL column type. Lookup
// interpretations override the declared data type: single lookups hold short
// codes, multi lookups hold comma-joined code lists of unbounded length.
func ColumnType(f catalog.FieldDef) string {
	switch f.Interp {
	case catalog.InterpLookup:
		return "VARCHAR(50)"
	case catalog.InterpLookupMulti:
		return "TEXT"
	}

	switch f.Type {
	case catalog.TypeInt, catalog.TypeSmall, catalog.TypeTiny:
		return "INT"
	case catalog.TypeLong:
		return "BIGINT"
	case catalog.TypeDateTime:
		return "DATETIME default '0000-00-00 00:00:00' NOT NULL"
	case catalog.TypeDate:
		return "DATE default '0000-00-00' NOT NULL"
	case catalog.TypeTime:
		return "TIME default '00:00:00' NOT NULL"
	case catalog.TypeCharacter:
		if f.MaxLength >= 1 && f.MaxLength <= 255 {
			return fmt.Sprintf("VARCHAR(%d)", f.MaxLength)
		}
		return "TEXT"
	case catalog.TypeDecimal:
		if f.MaxLength > f.Precision && f.Precision >= 0 && f.MaxLength > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", f.MaxLength, f.Precision)
		}
		return "DECIMAL(10,2)"
	case catalog.TypeBoolean:
		return "CHAR(1)"
	default:
		return "TEXT"
	}
}

// CreateTable renders the CREATE TABLE statement for a resource class. When
// the resource declares a key field, that column is the primary key inline;
// otherwise a surrogate auto-increment id is added.
func CreateTable(tableName string, fields []catalog.FieldDef, keyField string) string {
	var cols []string
	if keyField == "" {
		cols = append(cols, "`id` BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY")
	}
	for _, f := range fields {
		col := fmt.Sprintf("`%s` %s", f.SystemName, ColumnType(f))
		if f.SystemName == keyField {
			col += " PRIMARY KEY"
		}
		if f.LongName != "" {
			col += fmt.Sprintf(" COMMENT '%s'", escapeSQLString(f.LongName))
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (\n  %s\n)", tableName, strings.Join(cols, ",\n  "))
}

// CreateVisibleTable renders the parallel "visible names" table, whose
// columns carry the human-readable long names squeezed to alphanumerics.
func CreateVisibleTable(tableName string, fields []catalog.FieldDef, keyField string) string {
	var cols []string
	if keyField == "" {
		cols = append(cols, "`id` BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY")
	}
	seen := map[string]bool{}
	for _, f := range fields {
		name := VisibleName(f.LongName)
		if name == "" {
			name = f.SystemName
		}
		// Long names are not guaranteed unique once squeezed.
		if seen[name] {
			name = name + "_" + f.SystemName
		}
		seen[name] = true

		col := fmt.Sprintf("`%s` %s", name, ColumnType(f))
		if f.SystemName == keyField {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s_visible` (\n  %s\n) ENGINE=MyISAM", tableName, strings.Join(cols, ",\n  "))
}

var (
	numberOfRe   = regexp.MustCompile(`^Number\s*[Oo]f\s+`)
	trailingOfRe = regexp.MustCompile(`^[Oo]f\s+`)
	nonAlnumRe   = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// VisibleName turns a field's long name into a column identifier: the
// leading "Number of"/"NumberOf" (and a following "of") is stripped, every
// non-alphanumeric character is deleted, case is preserved.
func VisibleName(longName string) string {
	s := numberOfRe.ReplaceAllString(longName, "")
	s = trailingOfRe.ReplaceAllString(s, "")
	return nonAlnumRe.ReplaceAllString(s, "")
}

// TableName computes the local table for a resource/class pair. The Deleted
// resource keys its tables by class alone; single-class resources named like
// their class collapse to the bare resource name.
func TableName(resourceID string, classes []string, class string) string {
	if resourceID == "Deleted" {
		return "Deleted_" + class
	}
	if class == "" {
		return resourceID
	}
	if len(classes) == 1 && classes[0] == resourceID {
		return resourceID
	}
	return resourceID + "_" + class
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", "''")
}
