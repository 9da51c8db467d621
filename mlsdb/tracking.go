package mlsdb

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// The tracking tables are owned by this process and created on demand; the
// per-resource listing tables are derived from remote metadata instead.

const photoProcessingDDL = "CREATE TABLE IF NOT EXISTS `PhotoProcessing` (\n" +
	"  `ListingID` VARCHAR(50) NOT NULL,\n" +
	"  `PropertyType` VARCHAR(20) NOT NULL,\n" +
	"  `status` VARCHAR(20) NOT NULL DEFAULT 'processing',\n" +
	"  `last_processed_at` DATETIME NULL,\n" +
	"  `needs_reprocessing` TINYINT(1) NOT NULL DEFAULT 0,\n" +
	"  `retry_count` INT NOT NULL DEFAULT 0,\n" +
	"  `error_message` TEXT NULL,\n" +
	"  `photo_data` JSON NULL,\n" +
	"  PRIMARY KEY (`ListingID`, `PropertyType`)\n" +
	")"

const lookupValuesDDL = "CREATE TABLE IF NOT EXISTS `lookup_values` (\n" +
	"  `id` BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,\n" +
	"  `resource_id` VARCHAR(50) NOT NULL,\n" +
	"  `class_id` VARCHAR(50) NOT NULL,\n" +
	"  `field_name` VARCHAR(64) NOT NULL,\n" +
	"  `short_value` VARCHAR(64) NOT NULL,\n" +
	"  `long_value` VARCHAR(255) NOT NULL DEFAULT '',\n" +
	"  `metadata` JSON NULL,\n" +
	"  UNIQUE KEY `uniq_lookup` (`resource_id`, `class_id`, `field_name`, `short_value`)\n" +
	")"

const fieldNameTranslationsDDL = "CREATE TABLE IF NOT EXISTS `field_name_translations` (\n" +
	"  `table_name` VARCHAR(100) NOT NULL,\n" +
	"  `system_name` VARCHAR(64) NOT NULL,\n" +
	"  `visible_name` VARCHAR(100) NOT NULL,\n" +
	"  `long_name` VARCHAR(255) NOT NULL DEFAULT '',\n" +
	"  PRIMARY KEY (`table_name`, `system_name`)\n" +
	")"

// EnsurePhotoProcessing creates the photo job tracking table if needed.
func (d *DB) EnsurePhotoProcessing(ctx context.Context) error {
	_, err := d.ExecContext(ctx, photoProcessingDDL)
	return errors.Wrap(err, "ensuring PhotoProcessing table")
}

// EnsureLookupTables creates the lookup harvest tables if needed.
func (d *DB) EnsureLookupTables(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, lookupValuesDDL); err != nil {
		return errors.Wrap(err, "ensuring lookup_values table")
	}
	if _, err := d.ExecContext(ctx, fieldNameTranslationsDDL); err != nil {
		return errors.Wrap(err, "ensuring field_name_translations table")
	}
	return nil
}

// CreateCommonLookupsView (re)materializes the view of lookup tuples shared
// by every class of the Property resource.
func (d *DB) CreateCommonLookupsView(ctx context.Context, propertyClassCount int) error {
	if propertyClassCount <= 0 {
		return errors.New("property class count must be positive")
	}
	query := fmt.Sprintf(`CREATE OR REPLACE VIEW property_common_lookups AS
SELECT field_name, short_value, long_value, metadata
FROM lookup_values
WHERE resource_id = 'Property'
GROUP BY field_name, short_value, long_value, metadata
HAVING COUNT(DISTINCT class_id) = %d`, propertyClassCount)
	_, err := d.ExecContext(ctx, query)
	return errors.Wrap(err, "creating property_common_lookups view")
}

// Translation is one row of field_name_translations.
type Translation struct {
	TableName   string `db:"table_name"`
	SystemName  string `db:"system_name"`
	VisibleName string `db:"visible_name"`
	LongName    string `db:"long_name"`
}

// UpsertTranslations refreshes the visible-name mapping for a table.
func (d *DB) UpsertTranslations(ctx context.Context, rows []Translation) error {
	const query = `INSERT INTO field_name_translations (table_name, system_name, visible_name, long_name)
VALUES (:table_name, :system_name, :visible_name, :long_name)
ON DUPLICATE KEY UPDATE visible_name = VALUES(visible_name), long_name = VALUES(long_name)`
	for _, row := range rows {
		if _, err := d.NamedExecContext(ctx, query, row); err != nil {
			return errors.Wrapf(err, "translating %s.%s", row.TableName, row.SystemName)
		}
	}
	return nil
}
