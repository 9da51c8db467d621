// Package syncer drives the incremental and full sync cycles that keep the
// local listing tables current, and harvests lookup metadata alongside.
package syncer

import (
	"context"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/evermark/retsync/catalog"
	"github.com/evermark/retsync/mlsdb"
	"github.com/evermark/retsync/rets"
	"github.com/evermark/retsync/schema"
)

const (
	cycleInterval = time.Minute
	pageLimit     = 2500

	// A resource with no watermark column can only be reloaded wholesale;
	// that pass is gated to once per three hours.
	fullSyncEvery = 3 * time.Hour

	// defaultWatermark seeds the first incremental pass of an empty table.
	defaultWatermark = "1900-01-01T00:00:00"
	dmqlTimeLayout   = "2006-01-02T15:04:05"
)

// database is the slice of the storage layer the engine drives.
type database interface {
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, table, ddl string) error
	DropTable(ctx context.Context, table string) error
	TruncateTable(ctx context.Context, table string) error
	Watermark(ctx context.Context, table, column string) (time.Time, bool, error)
	Replace(ctx context.Context, table string, records []map[string]string) (int, error)
	UpsertTranslations(ctx context.Context, rows []mlsdb.Translation) error
}

// Engine runs sync cycles over every (resource, class) pair of the catalog.
type Engine struct {
	client   *rets.Client
	store    *catalog.Store
	db       database
	lockouts *mlsdb.LockoutSet
	lookups  *Lookups

	// lastAttempt tracks per-pair cadence. Only the cycle goroutine
	// touches it.
	lastAttempt map[string]time.Time
}

// New assembles a sync engine. lookups may be nil to disable lookup harvest.
func New(client *rets.Client, store *catalog.Store, db database, lockouts *mlsdb.LockoutSet, lookups *Lookups) *Engine {
	return &Engine{
		client:      client,
		store:       store,
		db:          db,
		lockouts:    lockouts,
		lookups:     lookups,
		lastAttempt: map[string]time.Time{},
	}
}

// Run executes sync cycles on a fixed cadence until the context is canceled.
// Cycle failures are logged and the loop keeps going.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	for {
		if err := e.RunCycle(ctx); err != nil {
			log.G(ctx).WithError(err).Error("Sync cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one pass over the catalog: every due, non-locked pair is
// synced, then the lookup harvest gets a chance to run.
func (e *Engine) RunCycle(ctx context.Context) error {
	session, err := e.client.Login(ctx)
	if err != nil {
		return errors.Wrap(err, "acquiring session")
	}
	cat, err := e.store.Load(ctx, e.client, session)
	if err != nil {
		return errors.Wrap(err, "loading catalog")
	}

	now := time.Now()
	for i := range cat.Resources {
		res := &cat.Resources[i]
		for _, class := range res.Classes {
			if e.lockouts.Locked(res.ResourceID, class) {
				log.G(ctx).WithFields(logrus.Fields{
					"resource": res.ResourceID,
					"class":    class,
				}).Debug("Skipping locked-out pair")
				continue
			}
			if !e.due(res, class, now) {
				continue
			}
			if err := e.syncPair(ctx, session, res, class); err != nil {
				log.G(ctx).WithError(err).WithFields(logrus.Fields{
					"resource": res.ResourceID,
					"class":    class,
				}).Error("Pair sync failed")
			}
		}
	}

	if e.lookups != nil {
		if err := e.lookups.Sync(ctx, session, cat); err != nil {
			log.G(ctx).WithError(err).Error("Lookup sync failed")
		}
	}
	return nil
}

// due reports whether the pair's sync interval has elapsed, and records the
// attempt when it has.
func (e *Engine) due(res *catalog.Resource, class string, now time.Time) bool {
	key := res.ResourceID + "::" + class
	interval := time.Duration(res.SyncIntervalMinutes) * time.Minute
	if last, ok := e.lastAttempt[key]; ok && now.Sub(last) < interval {
		return false
	}
	e.lastAttempt[key] = now
	return true
}

func (e *Engine) syncPair(ctx context.Context, session *rets.Session, res *catalog.Resource, class string) error {
	table := schema.TableName(res.ResourceID, res.Classes, class)
	logger := log.G(ctx).WithFields(logrus.Fields{
		"resource": res.ResourceID,
		"class":    class,
		"table":    table,
	})

	if err := e.ensureTable(ctx, session, res, class, table); err != nil {
		return errors.Wrap(err, "ensuring table")
	}

	var query string
	if res.Partial() {
		wm, ok, err := e.db.Watermark(ctx, table, res.UpdateField)
		if err != nil {
			return err
		}
		query = watermarkQuery(res.UpdateField, wm, ok)
	} else {
		if last := e.store.LastFullSync(res.ResourceID, class); !last.IsZero() && time.Since(last) < fullSyncEvery {
			logger.WithField("lastFullSync", last).Debug("Full sync ran recently, skipping")
			return nil
		}
		if err := e.db.TruncateTable(ctx, table); err != nil {
			return err
		}
	}

	written, err := e.pageThrough(ctx, session, res, class, table, query)
	if err != nil {
		if uq, ok := rets.IsUnauthorizedQuery(err); ok {
			return e.lockOut(ctx, res.ResourceID, class, table, uq)
		}
		return err
	}
	if !res.Partial() {
		if err := e.store.MarkFullSync(res.ResourceID, class, time.Now()); err != nil {
			logger.WithError(err).Warn("Could not persist full-sync checkpoint")
		}
	}
	if written > 0 {
		logger.WithField("rows", written).Info("Pair synced")
	}
	return nil
}

// ensureTable creates the listing table, its visible-names sibling and the
// field name translations when the table does not exist yet.
func (e *Engine) ensureTable(ctx context.Context, session *rets.Session, res *catalog.Resource, class, table string) error {
	exists, err := e.db.TableExists(ctx, table)
	if err != nil || exists {
		return err
	}

	id := res.ResourceID
	if class != "" {
		id += ":" + class
	}
	meta, err := e.client.GetMetadata(ctx, session, "METADATA-TABLE", id)
	if err != nil {
		return errors.Wrap(err, "fetching table metadata")
	}
	fields := catalog.FieldsFromMetadata(meta)
	if len(fields) == 0 {
		return errors.Errorf("table metadata for %s has no fields", id)
	}

	if err := e.db.CreateTable(ctx, table, schema.CreateTable(table, fields, res.KeyField)); err != nil {
		return err
	}
	if err := e.db.CreateTable(ctx, table+"_visible", schema.CreateVisibleTable(table, fields, res.KeyField)); err != nil {
		return err
	}

	rows := make([]mlsdb.Translation, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, mlsdb.Translation{
			TableName:   table,
			SystemName:  f.SystemName,
			VisibleName: schema.VisibleName(f.LongName),
			LongName:    f.LongName,
		})
	}
	if err := e.db.UpsertTranslations(ctx, rows); err != nil {
		log.G(ctx).WithError(err).WithField("table", table).Warn("Could not record field name translations")
	}

	log.G(ctx).WithFields(logrus.Fields{
		"table":  table,
		"fields": len(fields),
	}).Info("Created listing table")
	return nil
}

// pageThrough walks the Search result set in fixed-size pages and upserts
// every record. Iteration ends on the first short page.
func (e *Engine) pageThrough(ctx context.Context, session *rets.Session, res *catalog.Resource, class, table, query string) (int, error) {
	searchType, className := searchIdentity(res.ResourceID, class, res.Classes)

	offset := 1
	total := 0
	for {
		result, err := e.client.Search(ctx, session, rets.SearchParams{
			SearchType: searchType,
			Class:      className,
			Query:      query,
			Limit:      pageLimit,
			Offset:     offset,
		})
		if err != nil {
			return total, err
		}
		records := result.Records()
		if len(records) > 0 {
			written, err := e.db.Replace(ctx, table, records)
			if err != nil {
				return total, err
			}
			total += written
		}
		if len(records) < pageLimit {
			return total, nil
		}
		offset += pageLimit
	}
}

// lockOut records that the account has no authority over the pair, drops the
// table and abandons the pair until the lockout file is cleared by hand.
func (e *Engine) lockOut(ctx context.Context, resourceID, class, table string, uq *rets.UnauthorizedQueryError) error {
	log.G(ctx).WithFields(logrus.Fields{
		"resource":  resourceID,
		"class":     class,
		"replyText": uq.Text,
	}).Warn("Unauthorized query, locking pair out")

	if err := e.lockouts.Add(resourceID, class); err != nil {
		return errors.Wrap(err, "persisting lockout")
	}
	return e.db.DropTable(ctx, table)
}

// watermarkQuery builds the DMQL2 greater-or-equal filter for an incremental
// pass. An empty table starts from the epoch default.
func watermarkQuery(field string, wm time.Time, ok bool) string {
	value := defaultWatermark
	if ok {
		value = wm.Format(dmqlTimeLayout)
	}
	return "(" + field + "=" + value + "+)"
}

// searchIdentity resolves the SearchType/Class pair to put on the wire. A
// resource named with an underscore and no class splits into type and class;
// a resource whose single class repeats its own name searches with
// Class equal to SearchType.
func searchIdentity(resourceID, class string, classes []string) (string, string) {
	if class == "" {
		if prefix, suffix, ok := strings.Cut(resourceID, "_"); ok {
			return prefix, suffix
		}
		return resourceID, ""
	}
	if len(classes) == 1 && classes[0] == resourceID {
		return resourceID, resourceID
	}
	return resourceID, class
}
