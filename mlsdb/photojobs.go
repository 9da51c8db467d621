package mlsdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// PropertyTable names one listing table together with the class it stores.
// The class doubles as the PropertyType key in PhotoProcessing.
type PropertyTable struct {
	Table string
	Class string
}

// PhotoJob is one listing selected for photo processing.
type PhotoJob struct {
	ListingID         string `db:"listing_id"`
	PropertyType      string `db:"property_type"`
	StatusCat         string `db:"status_cat"`
	NeedsReprocessing bool   `db:"needs_reprocessing"`
}

// Photo job statuses.
const (
	PhotoStatusProcessing = "processing"
	PhotoStatusCompleted  = "completed"
	PhotoStatusFailed     = "failed"
)

const photoJobSegment = "SELECT p.`L_ListingID` AS listing_id, ? AS property_type," +
	" p.`L_StatusCatID` AS status_cat," +
	" p.`L_Last_Photo_updt` AS last_photo," +
	" COALESCE(pp.`needs_reprocessing`, 0) AS needs_reprocessing" +
	" FROM `%s` p" +
	" LEFT JOIN `PhotoProcessing` pp ON pp.`ListingID` = p.`L_ListingID` AND pp.`PropertyType` = ?" +
	" WHERE p.`L_StatusCatID` IN ('1', '2')" +
	" AND (pp.`ListingID` IS NULL OR pp.`needs_reprocessing` = 1)"

// SelectPhotoBatch returns up to limit listings awaiting photo processing
// across the property tables. Reprocessing requests come first, then active
// before sold, then newest photo update first.
func (d *DB) SelectPhotoBatch(ctx context.Context, tables []PropertyTable, limit int) ([]PhotoJob, error) {
	query, args := photoJobQuery(tables)
	query += " ORDER BY needs_reprocessing DESC, status_cat ASC, last_photo DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.QueryxContext(ctx, query, args...)
	if err != nil {
		logQueryError(ctx, err, query)
		return nil, errors.Wrap(err, "selecting photo batch")
	}
	defer rows.Close()

	var jobs []PhotoJob
	for rows.Next() {
		var (
			job       PhotoJob
			lastPhoto interface{}
		)
		if err := rows.Scan(&job.ListingID, &job.PropertyType, &job.StatusCat, &lastPhoto, &job.NeedsReprocessing); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountPhotoBacklog returns the number of listings awaiting photo processing.
// The scheduler switches into aggressive mode above a threshold.
func (d *DB) CountPhotoBacklog(ctx context.Context, tables []PropertyTable) (int, error) {
	inner, args := photoJobQuery(tables)
	query := "SELECT COUNT(*) FROM (" + inner + ") backlog"

	var n int
	if err := d.GetContext(ctx, &n, query, args...); err != nil {
		logQueryError(ctx, err, query)
		return 0, errors.Wrap(err, "counting photo backlog")
	}
	return n, nil
}

// photoJobQuery builds the UNION ALL over the property tables.
func photoJobQuery(tables []PropertyTable) (string, []interface{}) {
	segments := make([]string, len(tables))
	args := make([]interface{}, 0, len(tables)*2)
	for i, t := range tables {
		segments[i] = fmt.Sprintf(photoJobSegment, t.Table)
		args = append(args, t.Class, t.Class)
	}
	return strings.Join(segments, " UNION ALL "), args
}

// MarkPhotoProcessing claims a listing before its photos are fetched.
func (d *DB) MarkPhotoProcessing(ctx context.Context, listingID, propertyType string) error {
	const query = "INSERT INTO `PhotoProcessing` (`ListingID`, `PropertyType`, `status`, `needs_reprocessing`)" +
		" VALUES (?, ?, ?, 0)" +
		" ON DUPLICATE KEY UPDATE `status` = VALUES(`status`), `needs_reprocessing` = 0"
	_, err := d.ExecContext(ctx, query, listingID, propertyType, PhotoStatusProcessing)
	return errors.Wrapf(err, "marking %s/%s processing", propertyType, listingID)
}

// MarkPhotoCompleted records a successful run with the variant manifest.
func (d *DB) MarkPhotoCompleted(ctx context.Context, listingID, propertyType string, photoData []byte) error {
	const query = "UPDATE `PhotoProcessing` SET `status` = ?, `last_processed_at` = NOW()," +
		" `error_message` = NULL, `photo_data` = ?, `retry_count` = 0" +
		" WHERE `ListingID` = ? AND `PropertyType` = ?"
	_, err := d.ExecContext(ctx, query, PhotoStatusCompleted, photoData, listingID, propertyType)
	return errors.Wrapf(err, "marking %s/%s completed", propertyType, listingID)
}

// MarkPhotoFailed records a failed run. Failed listings are not retried until
// something flags them for reprocessing.
func (d *DB) MarkPhotoFailed(ctx context.Context, listingID, propertyType, message string) error {
	const query = "UPDATE `PhotoProcessing` SET `status` = ?, `last_processed_at` = NOW()," +
		" `error_message` = ?, `retry_count` = `retry_count` + 1" +
		" WHERE `ListingID` = ? AND `PropertyType` = ?"
	_, err := d.ExecContext(ctx, query, PhotoStatusFailed, truncate(message, 2000), listingID, propertyType)
	return errors.Wrapf(err, "marking %s/%s failed", propertyType, listingID)
}
