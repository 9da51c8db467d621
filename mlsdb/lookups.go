package mlsdb

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// LookupValue is one harvested lookup tuple: a short value and its human
// readable long value, scoped to the resource/class/field it came from.
type LookupValue struct {
	ResourceID string `db:"resource_id" json:"resourceId"`
	ClassID    string `db:"class_id" json:"classId"`
	FieldName  string `db:"field_name" json:"fieldName"`
	ShortValue string `db:"short_value" json:"shortValue"`
	LongValue  string `db:"long_value" json:"longValue"`
	Sort       int    `json:"sort"`
	Active     bool   `json:"active"`
}

// lookupMeta is the JSON shape stored in lookup_values.metadata.
type lookupMeta struct {
	Sort   int  `json:"sort"`
	Active bool `json:"active"`
}

// UpsertLookupValues writes a batch of harvested lookup values. Existing
// tuples get their long value and metadata refreshed.
func (d *DB) UpsertLookupValues(ctx context.Context, values []LookupValue) error {
	const query = "INSERT INTO `lookup_values`" +
		" (`resource_id`, `class_id`, `field_name`, `short_value`, `long_value`, `metadata`)" +
		" VALUES (?, ?, ?, ?, ?, ?)" +
		" ON DUPLICATE KEY UPDATE `long_value` = VALUES(`long_value`), `metadata` = VALUES(`metadata`)"
	for _, v := range values {
		meta, err := json.Marshal(lookupMeta{Sort: v.Sort, Active: v.Active})
		if err != nil {
			return err
		}
		if _, err := d.ExecContext(ctx, query,
			v.ResourceID, v.ClassID, v.FieldName, v.ShortValue, v.LongValue, meta); err != nil {
			return errors.Wrapf(err, "upserting lookup %s.%s.%s=%s", v.ResourceID, v.ClassID, v.FieldName, v.ShortValue)
		}
	}
	return nil
}

// LoadLookupValues reads every stored lookup tuple, for seeding the
// in-process lookup cache at startup.
func (d *DB) LoadLookupValues(ctx context.Context) ([]LookupValue, error) {
	rows, err := d.QueryxContext(ctx,
		"SELECT `resource_id`, `class_id`, `field_name`, `short_value`, `long_value`, `metadata` FROM `lookup_values`")
	if err != nil {
		return nil, errors.Wrap(err, "loading lookup values")
	}
	defer rows.Close()

	var values []LookupValue
	for rows.Next() {
		var (
			v   LookupValue
			raw []byte
		)
		if err := rows.Scan(&v.ResourceID, &v.ClassID, &v.FieldName, &v.ShortValue, &v.LongValue, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			var meta lookupMeta
			if err := json.Unmarshal(raw, &meta); err == nil {
				v.Sort = meta.Sort
				v.Active = meta.Active
			}
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
