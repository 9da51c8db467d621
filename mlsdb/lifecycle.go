package mlsdb

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ListingState is the slice of a listing row the lifecycle reconciler needs.
type ListingState struct {
	ListingID string `db:"L_ListingID"`
	StatusCat string `db:"L_StatusCatID"`
}

// SelectListingStates returns the current local status for the given listing
// IDs. IDs absent from the table are simply absent from the result.
func (d *DB) SelectListingStates(ctx context.Context, table string, ids []string) ([]ListingState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		"SELECT `L_ListingID`, `L_StatusCatID` FROM `"+table+"` WHERE `L_ListingID` IN (?)", ids)
	if err != nil {
		return nil, errors.Wrap(err, "building listing state query")
	}

	var states []ListingState
	if err := d.SelectContext(ctx, &states, d.Rebind(query), args...); err != nil {
		logQueryError(ctx, err, query)
		return nil, errors.Wrapf(err, "selecting listing states from %s", table)
	}
	return states, nil
}

// PromoteSold flips listings to the sold status category. Returns the number
// of rows actually changed.
func (d *DB) PromoteSold(ctx context.Context, table string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		"UPDATE `"+table+"` SET `L_StatusCatID` = '2' WHERE `L_ListingID` IN (?)", ids)
	if err != nil {
		return 0, errors.Wrap(err, "building promote query")
	}
	res, err := d.ExecContext(ctx, d.Rebind(query), args...)
	if err != nil {
		logQueryError(ctx, err, query)
		return 0, errors.Wrapf(err, "promoting sold listings in %s", table)
	}
	return res.RowsAffected()
}

// DeleteListings removes withdrawn or expired listings. Returns the number of
// rows removed.
func (d *DB) DeleteListings(ctx context.Context, table string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		"DELETE FROM `"+table+"` WHERE `L_ListingID` IN (?)", ids)
	if err != nil {
		return 0, errors.Wrap(err, "building delete query")
	}
	res, err := d.ExecContext(ctx, d.Rebind(query), args...)
	if err != nil {
		logQueryError(ctx, err, query)
		return 0, errors.Wrapf(err, "deleting listings from %s", table)
	}
	return res.RowsAffected()
}
