package schema

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/evermark/retsync/catalog"
)

func TestColumnType(t *testing.T) {
	for _, tc := range []struct {
		name string
		f    catalog.FieldDef
		want string
	}{
		{"int", catalog.FieldDef{Type: catalog.TypeInt}, "INT"},
		{"small", catalog.FieldDef{Type: catalog.TypeSmall}, "INT"},
		{"tiny", catalog.FieldDef{Type: catalog.TypeTiny}, "INT"},
		{"long", catalog.FieldDef{Type: catalog.TypeLong}, "BIGINT"},
		{"datetime", catalog.FieldDef{Type: catalog.TypeDateTime}, "DATETIME default '0000-00-00 00:00:00' NOT NULL"},
		{"date", catalog.FieldDef{Type: catalog.TypeDate}, "DATE default '0000-00-00' NOT NULL"},
		{"time", catalog.FieldDef{Type: catalog.TypeTime}, "TIME default '00:00:00' NOT NULL"},
		{"char bounded", catalog.FieldDef{Type: catalog.TypeCharacter, MaxLength: 80}, "VARCHAR(80)"},
		{"char max", catalog.FieldDef{Type: catalog.TypeCharacter, MaxLength: 255}, "VARCHAR(255)"},
		{"char oversize", catalog.FieldDef{Type: catalog.TypeCharacter, MaxLength: 4000}, "TEXT"},
		{"char no length", catalog.FieldDef{Type: catalog.TypeCharacter}, "TEXT"},
		{"decimal", catalog.FieldDef{Type: catalog.TypeDecimal, MaxLength: 12, Precision: 2}, "DECIMAL(12,2)"},
		{"decimal degenerate", catalog.FieldDef{Type: catalog.TypeDecimal, MaxLength: 2, Precision: 4}, "DECIMAL(10,2)"},
		{"decimal unspecified", catalog.FieldDef{Type: catalog.TypeDecimal}, "DECIMAL(10,2)"},
		{"boolean", catalog.FieldDef{Type: catalog.TypeBoolean}, "CHAR(1)"},
		{"lookup overrides int", catalog.FieldDef{Type: catalog.TypeInt, Interp: catalog.InterpLookup}, "VARCHAR(50)"},
		{"lookupmulti overrides char", catalog.FieldDef{Type: catalog.TypeCharacter, MaxLength: 10, Interp: catalog.InterpLookupMulti}, "TEXT"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, ColumnType(tc.f), tc.want)
		})
	}
}

func TestCreateTableWithKeyField(t *testing.T) {
	ddl := CreateTable("Property_RE_1", []catalog.FieldDef{
		{SystemName: "L_ListingID", LongName: "Listing ID", Type: catalog.TypeCharacter, MaxLength: 20},
		{SystemName: "L_AskingPrice", LongName: "Asking Price", Type: catalog.TypeDecimal, MaxLength: 12, Precision: 2},
		{SystemName: "L_UpdateDate", LongName: "Update Date", Type: catalog.TypeDateTime},
	}, "L_ListingID")

	assert.Check(t, is.Contains(ddl, "CREATE TABLE IF NOT EXISTS `Property_RE_1`"))
	assert.Check(t, is.Contains(ddl, "`L_ListingID` VARCHAR(20) PRIMARY KEY COMMENT 'Listing ID'"))
	assert.Check(t, is.Contains(ddl, "`L_AskingPrice` DECIMAL(12,2) COMMENT 'Asking Price'"))
	// No surrogate id when the resource declares a key field.
	assert.Check(t, !strings.Contains(ddl, "AUTO_INCREMENT"))
}

func TestCreateTableSurrogateKey(t *testing.T) {
	ddl := CreateTable("Hotsheet", []catalog.FieldDef{
		{SystemName: "L_ListingID", Type: catalog.TypeCharacter, MaxLength: 20},
	}, "")

	assert.Check(t, is.Contains(ddl, "`id` BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY"))
}

func TestCreateTableEscapesComments(t *testing.T) {
	ddl := CreateTable("Property_RE_1", []catalog.FieldDef{
		{SystemName: "L_Style", LongName: "Owner's Style", Type: catalog.TypeCharacter, MaxLength: 10},
	}, "")
	assert.Check(t, is.Contains(ddl, "COMMENT 'Owner''s Style'"))
}

func TestVisibleName(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"Number of Bedrooms", "Bedrooms"},
		{"NumberOf Bathrooms", "Bathrooms"},
		{"Number of of Units", "Units"},
		{"Asking Price", "AskingPrice"},
		{"Lot Size (Acres)", "LotSizeAcres"},
		{"Year Built", "YearBuilt"},
		{"Water/Sewer", "WaterSewer"},
	} {
		assert.Equal(t, VisibleName(tc.in), tc.want, tc.in)
	}
}

func TestCreateVisibleTable(t *testing.T) {
	ddl := CreateVisibleTable("Property_RE_1", []catalog.FieldDef{
		{SystemName: "L_Bedrooms", LongName: "Number of Bedrooms", Type: catalog.TypeInt},
		{SystemName: "L_ListingID", LongName: "Listing ID", Type: catalog.TypeCharacter, MaxLength: 20},
	}, "L_ListingID")

	assert.Check(t, is.Contains(ddl, "`Property_RE_1_visible`"))
	assert.Check(t, is.Contains(ddl, "`Bedrooms` INT"))
	assert.Check(t, is.Contains(ddl, "`ListingID` VARCHAR(20) PRIMARY KEY"))
	assert.Check(t, is.Contains(ddl, "ENGINE=MyISAM"))
}

func TestTableName(t *testing.T) {
	propertyClasses := []string{"RE_1", "MF_4", "CI_3", "LD_2"}
	assert.Equal(t, TableName("Property", propertyClasses, "RE_1"), "Property_RE_1")
	assert.Equal(t, TableName("Deleted", []string{"RE_1"}, "RE_1"), "Deleted_RE_1")
	assert.Equal(t, TableName("Hotsheet", []string{""}, ""), "Hotsheet")
	// A single class named like its resource collapses to the resource.
	assert.Equal(t, TableName("Agent", []string{"Agent"}, "Agent"), "Agent")
	assert.Equal(t, TableName("OpenHouse", []string{"OH"}, "OH"), "OpenHouse_OH")
}
