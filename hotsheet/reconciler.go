// Package hotsheet reconciles local listing lifecycle against the remote
// status-change feed: recently sold listings are promoted, withdrawn and
// expired ones removed.
package hotsheet

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/evermark/retsync/catalog"
	"github.com/evermark/retsync/mlsdb"
	"github.com/evermark/retsync/rets"
)

// Schedule runs the reconciler at midnight and every three hours through the
// afternoon and evening, when the feed posts status changes.
const Schedule = "0 0,12,15,18,21 * * *"

const (
	lookback       = 24 * time.Hour
	dmqlTimeLayout = "2006-01-02T15:04:05"
	selectColumns  = "L_ListingID,L_StatusDate,L_Address,L_Status,L_StatusCatID"
	pageLimit      = 2500
)

// Event is one status-change row from the hotsheet feed.
type Event struct {
	ListingID  string
	StatusDate string
	Address    string
	Status     string
	StatusCat  string
}

// Reconciler applies hotsheet status changes to the local property tables.
type Reconciler struct {
	client *rets.Client
	store  *catalog.Store
	db     *mlsdb.DB
}

// New assembles a reconciler.
func New(client *rets.Client, store *catalog.Store, db *mlsdb.DB) *Reconciler {
	return &Reconciler{client: client, store: store, db: db}
}

// Register adds the reconciler to a cron runner on its fixed schedule.
func (r *Reconciler) Register(ctx context.Context, c *cron.Cron) error {
	_, err := c.AddFunc(Schedule, func() {
		if err := r.Run(ctx); err != nil {
			log.G(ctx).WithError(err).Error("Lifecycle reconcile failed")
		}
	})
	return errors.Wrap(err, "scheduling lifecycle reconciler")
}

// Run performs one reconcile pass.
func (r *Reconciler) Run(ctx context.Context) error {
	session, err := r.client.Login(ctx)
	if err != nil {
		return errors.Wrap(err, "acquiring session")
	}
	cat, err := r.store.Load(ctx, r.client, session)
	if err != nil {
		return errors.Wrap(err, "loading catalog")
	}

	hotsheet, ok := cat.Resource("Hotsheet")
	if !ok {
		log.G(ctx).Warn("No Hotsheet resource in catalog, skipping reconcile")
		return nil
	}
	property, ok := cat.Resource("Property")
	if !ok {
		log.G(ctx).Warn("No Property resource in catalog, skipping reconcile")
		return nil
	}

	var events []Event
	for _, class := range hotsheet.Classes {
		classEvents, err := r.fetchEvents(ctx, session, hotsheet, class)
		if err != nil {
			log.G(ctx).WithError(err).WithField("class", class).Warn("Hotsheet class query failed")
			continue
		}
		events = append(events, classEvents...)
	}

	sold, gone := Partition(Dedupe(events))
	if len(sold) == 0 && len(gone) == 0 {
		log.G(ctx).Debug("No lifecycle changes in hotsheet window")
		return nil
	}
	log.G(ctx).WithFields(logrus.Fields{
		"sold":      len(sold),
		"withdrawn": len(gone),
	}).Info("Reconciling lifecycle changes")

	for _, class := range property.Classes {
		table := "Property_" + class
		if err := r.reconcileTable(ctx, table, sold, gone); err != nil {
			log.G(ctx).WithError(err).WithField("table", table).Warn("Table reconcile failed")
		}
	}
	return nil
}

// fetchEvents pulls the full status-change window for one hotsheet class,
// paging until the server returns a short page. A busy day can exceed one
// server page, and a dropped tail would leave listings unreconciled.
func (r *Reconciler) fetchEvents(ctx context.Context, session *rets.Session, res *catalog.Resource, class string) ([]Event, error) {
	since := time.Now().Add(-lookback).Format(dmqlTimeLayout)
	query := fmt.Sprintf("(L_StatusCatID=2,3,4,5)(L_StatusDate=%s+)", since)

	var events []Event
	offset := 1
	for {
		result, err := r.client.Search(ctx, session, rets.SearchParams{
			SearchType: res.ResourceID,
			Class:      class,
			Query:      query,
			Format:     "COMPACT-DECODED",
			Select:     selectColumns,
			Limit:      pageLimit,
			Offset:     offset,
		})
		if err != nil {
			return nil, err
		}

		records := result.Records()
		for _, rec := range records {
			if rec["L_ListingID"] == "" {
				continue
			}
			events = append(events, Event{
				ListingID:  rec["L_ListingID"],
				StatusDate: rec["L_StatusDate"],
				Address:    rec["L_Address"],
				Status:     rec["L_Status"],
				StatusCat:  rec["L_StatusCatID"],
			})
		}
		if len(records) < pageLimit {
			return events, nil
		}
		offset += pageLimit
	}
}

// reconcileTable applies the planned promotions and deletions to one
// property table.
func (r *Reconciler) reconcileTable(ctx context.Context, table string, sold, gone map[string]Event) error {
	ids := make([]string, 0, len(sold)+len(gone))
	for id := range sold {
		ids = append(ids, id)
	}
	for id := range gone {
		ids = append(ids, id)
	}

	states, err := r.db.SelectListingStates(ctx, table, ids)
	if err != nil {
		return err
	}
	promote, remove := PlanActions(states, sold, gone)

	for _, id := range promote {
		log.G(ctx).WithFields(logrus.Fields{
			"table":       table,
			"listing":     id,
			"priorStatus": priorStatus(states, id),
			"address":     sold[id].Address,
		}).Info("Promoting listing to sold")
	}
	if n, err := r.db.PromoteSold(ctx, table, promote); err != nil {
		return err
	} else if n > 0 {
		log.G(ctx).WithFields(logrus.Fields{"table": table, "rows": n}).Info("Listings promoted")
	}

	for _, id := range remove {
		log.G(ctx).WithFields(logrus.Fields{
			"table":       table,
			"listing":     id,
			"priorStatus": priorStatus(states, id),
			"address":     gone[id].Address,
		}).Info("Deleting withdrawn or expired listing")
	}
	if n, err := r.db.DeleteListings(ctx, table, remove); err != nil {
		return err
	} else if n > 0 {
		log.G(ctx).WithFields(logrus.Fields{"table": table, "rows": n}).Info("Listings deleted")
	}
	return nil
}

func priorStatus(states []mlsdb.ListingState, id string) string {
	for _, s := range states {
		if s.ListingID == id {
			return s.StatusCat
		}
	}
	return ""
}

// Dedupe collapses events by listing, keeping the latest status date.
func Dedupe(events []Event) []Event {
	latest := map[string]Event{}
	var order []string
	for _, e := range events {
		cur, ok := latest[e.ListingID]
		if !ok {
			order = append(order, e.ListingID)
			latest[e.ListingID] = e
			continue
		}
		if e.StatusDate > cur.StatusDate {
			latest[e.ListingID] = e
		}
	}
	out := make([]Event, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// Partition splits deduped events into sold and withdrawn-or-expired sets.
// Other status categories carry no lifecycle action.
func Partition(events []Event) (sold, gone map[string]Event) {
	sold = map[string]Event{}
	gone = map[string]Event{}
	for _, e := range events {
		switch e.StatusCat {
		case "2":
			sold[e.ListingID] = e
		case "4", "5":
			gone[e.ListingID] = e
		}
	}
	return sold, gone
}

// PlanActions decides, from the current local states, which rows to promote
// and which to delete. Promotion applies to sold listings not already "2";
// deletion applies to withdrawn/expired listings still active or sold
// locally.
func PlanActions(states []mlsdb.ListingState, sold, gone map[string]Event) (promote, remove []string) {
	for _, s := range states {
		if _, ok := sold[s.ListingID]; ok && s.StatusCat != "2" {
			promote = append(promote, s.ListingID)
		}
		if _, ok := gone[s.ListingID]; ok && (s.StatusCat == "1" || s.StatusCat == "2") {
			remove = append(remove, s.ListingID)
		}
	}
	return promote, remove
}
