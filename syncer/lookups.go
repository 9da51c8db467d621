package syncer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/evermark/retsync/catalog"
	"github.com/evermark/retsync/mlsdb"
	"github.com/evermark/retsync/rets"
)

// CommonClass is the synthetic class under which Property-wide lookup tuples
// are exposed in the in-memory cache.
const CommonClass = "COMMON"

const (
	lookupSyncEvery    = 24 * time.Hour
	lookupSnapshotFile = "lookup_values.json"
)

// lookupSnapshot is resource → class → field → short value.
type lookupSnapshot map[string]map[string]map[string]map[string]mlsdb.LookupValue

// Lookups harvests lookup metadata into lookup_values and serves the
// in-memory snapshot. The snapshot is rebuilt wholesale; readers only ever
// see a fully-built one.
type Lookups struct {
	client   *rets.Client
	db       *mlsdb.DB
	cacheDir string

	mu       sync.RWMutex
	snapshot lookupSnapshot
	lastSync time.Time
}

// NewLookups returns a lookup harvester writing its audit snapshot under
// cacheDir.
func NewLookups(client *rets.Client, db *mlsdb.DB, cacheDir string) *Lookups {
	return &Lookups{client: client, db: db, cacheDir: cacheDir}
}

// Lookup resolves one lookup tuple from the current snapshot. Property-wide
// tuples are also reachable under the COMMON class.
func (l *Lookups) Lookup(resource, class, field, short string) (mlsdb.LookupValue, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.snapshot[resource][class][field][short]
	return v, ok
}

// Sync harvests lookup values for every catalog pair, refreshes the common
// view and rebuilds the snapshot. Runs at most once per day; intermediate
// calls return immediately.
func (l *Lookups) Sync(ctx context.Context, session *rets.Session, cat *catalog.Catalog) error {
	l.mu.RLock()
	recent := time.Since(l.lastSync) < lookupSyncEvery
	l.mu.RUnlock()
	if recent {
		return nil
	}

	if err := l.db.EnsureLookupTables(ctx); err != nil {
		return err
	}

	propertyClassCount := 0
	for i := range cat.Resources {
		res := &cat.Resources[i]
		if res.ResourceID == "Property" {
			propertyClassCount = len(res.Classes)
		}
		for _, class := range res.Classes {
			if err := l.syncClass(ctx, session, res, class); err != nil {
				log.G(ctx).WithError(err).WithFields(logrus.Fields{
					"resource": res.ResourceID,
					"class":    class,
				}).Warn("Lookup harvest failed for pair")
			}
		}
	}

	if propertyClassCount > 0 {
		if err := l.db.CreateCommonLookupsView(ctx, propertyClassCount); err != nil {
			return err
		}
	}

	values, err := l.db.LoadLookupValues(ctx)
	if err != nil {
		return err
	}
	snapshot := buildSnapshot(values, propertyClassCount)

	l.mu.Lock()
	l.snapshot = snapshot
	l.lastSync = time.Now()
	l.mu.Unlock()

	if err := l.writeAudit(values); err != nil {
		log.G(ctx).WithError(err).Warn("Could not write lookup audit snapshot")
	}
	log.G(ctx).WithField("values", len(values)).Info("Lookup snapshot rebuilt")
	return nil
}

// syncClass harvests every lookup-typed field of one class. Lookup tables
// shared by several fields are fetched once and fanned out.
func (l *Lookups) syncClass(ctx context.Context, session *rets.Session, res *catalog.Resource, class string) error {
	id := res.ResourceID
	if class != "" {
		id += ":" + class
	}
	meta, err := l.client.GetMetadata(ctx, session, "METADATA-TABLE", id)
	if err != nil {
		return errors.Wrap(err, "fetching table metadata")
	}

	fieldsByLookup := map[string][]string{}
	for _, f := range catalog.FieldsFromMetadata(meta) {
		if f.LookupName != "" {
			fieldsByLookup[f.LookupName] = append(fieldsByLookup[f.LookupName], f.SystemName)
		}
	}

	var batch []mlsdb.LookupValue
	for lookupName, fieldNames := range fieldsByLookup {
		entries, err := l.fetchLookupType(ctx, session, res.ResourceID, lookupName)
		if err != nil {
			log.G(ctx).WithError(err).WithFields(logrus.Fields{
				"resource": res.ResourceID,
				"lookup":   lookupName,
			}).Warn("Lookup type metadata unavailable")
			continue
		}
		for _, fieldName := range fieldNames {
			for _, e := range entries {
				v := e
				v.ResourceID = res.ResourceID
				v.ClassID = class
				v.FieldName = fieldName
				batch = append(batch, v)
			}
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return l.db.UpsertLookupValues(ctx, batch)
}

// fetchLookupType returns the short/long pairs of one lookup table. Sort
// defaults to the numeric short value, 0 when non-numeric.
func (l *Lookups) fetchLookupType(ctx context.Context, session *rets.Session, resourceID, lookupName string) ([]mlsdb.LookupValue, error) {
	meta, err := l.client.GetMetadata(ctx, session, "METADATA-LOOKUP_TYPE", resourceID+":"+lookupName)
	if err != nil {
		return nil, err
	}

	col := map[string]int{}
	for i, c := range meta.Columns {
		col[c] = i
	}
	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var entries []mlsdb.LookupValue
	for _, row := range meta.Rows {
		short := get(row, "ShortValue")
		if short == "" {
			short = get(row, "Value")
		}
		if short == "" {
			continue
		}
		entries = append(entries, mlsdb.LookupValue{
			ShortValue: short,
			LongValue:  get(row, "LongValue"),
			Sort:       sortValue(short),
			Active:     true,
		})
	}
	return entries, nil
}

func (l *Lookups) writeAudit(values []mlsdb.LookupValue) error {
	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(l.cacheDir, lookupSnapshotFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// buildSnapshot indexes the stored lookup values and derives the synthetic
// COMMON class: tuples appearing under every class of the Property resource.
func buildSnapshot(values []mlsdb.LookupValue, propertyClassCount int) lookupSnapshot {
	snapshot := lookupSnapshot{}
	put := func(v mlsdb.LookupValue, class string) {
		classes, ok := snapshot[v.ResourceID]
		if !ok {
			classes = map[string]map[string]map[string]mlsdb.LookupValue{}
			snapshot[v.ResourceID] = classes
		}
		fields, ok := classes[class]
		if !ok {
			fields = map[string]map[string]mlsdb.LookupValue{}
			classes[class] = fields
		}
		shorts, ok := fields[v.FieldName]
		if !ok {
			shorts = map[string]mlsdb.LookupValue{}
			fields[v.FieldName] = shorts
		}
		shorts[v.ShortValue] = v
	}

	type tuple struct{ field, short string }
	propertyClasses := map[tuple]map[string]struct{}{}

	for _, v := range values {
		put(v, v.ClassID)
		if v.ResourceID == "Property" {
			key := tuple{v.FieldName, v.ShortValue}
			if propertyClasses[key] == nil {
				propertyClasses[key] = map[string]struct{}{}
			}
			propertyClasses[key][v.ClassID] = struct{}{}
		}
	}

	if propertyClassCount > 0 {
		for _, v := range values {
			if v.ResourceID != "Property" {
				continue
			}
			if len(propertyClasses[tuple{v.FieldName, v.ShortValue}]) == propertyClassCount {
				common := v
				common.ClassID = CommonClass
				put(common, CommonClass)
			}
		}
	}
	return snapshot
}

func sortValue(short string) int {
	n, err := strconv.Atoi(short)
	if err != nil {
		return 0
	}
	return n
}
