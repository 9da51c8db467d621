// Package catalog discovers the remote resource/class namespace and derives
// the per-resource sync strategy from it. The derived catalog is cached on
// disk and only rebuilt when the cache is absent or explicitly invalidated.
package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/evermark/retsync/rets"
)

const cacheFile = "update_fields.json"

// NoUpdateField marks a resource with no usable high-watermark column; such
// resources are always synced in full.
const NoUpdateField = "N/A"

// updateFieldRe matches the per-resource watermark column. Candidates
// prefixed U_ or O_ belong to agent/office sub-records and are skipped.
var updateFieldRe = regexp.MustCompile(`[A-Z]_UpdateDate$`)

// Resource is one remote data domain together with the sync strategy derived
// for it.
type Resource struct {
	ResourceID          string   `json:"resource_id"`
	KeyField            string   `json:"key_field,omitempty"`
	Description         string   `json:"description,omitempty"`
	UpdateField         string   `json:"update_field_name"`
	SyncIntervalMinutes int      `json:"sync_interval_minutes"`
	SyncType            string   `json:"sync_type"` // "full" or "partial"
	Classes             []string `json:"classes"`
}

// Partial reports whether the resource syncs incrementally off a watermark.
func (r *Resource) Partial() bool {
	return r.SyncType == "partial"
}

// Catalog is the derived view of the remote metadata.
type Catalog struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Resources   []Resource `json:"resources"`

	// FullSyncCheckpoints records, per resource::class, when the last
	// full (truncate-and-reload) pass ran. Kept here so the gate
	// survives restarts.
	FullSyncCheckpoints map[string]time.Time `json:"full_sync_checkpoints,omitempty"`
}

// Resource returns the catalog entry for a resource id.
func (c *Catalog) Resource(id string) (*Resource, bool) {
	for i := range c.Resources {
		if c.Resources[i].ResourceID == id {
			return &c.Resources[i], true
		}
	}
	return nil, false
}

// Store owns the on-disk catalog cache.
type Store struct {
	path string

	mu     sync.Mutex
	cached *Catalog
}

// NewStore returns a Store rooted in the given cache directory.
func NewStore(cacheDir string) *Store {
	return &Store{path: filepath.Join(cacheDir, cacheFile)}
}

// Load returns the catalog, building and caching it when necessary.
func (s *Store) Load(ctx context.Context, client *rets.Client, session *rets.Session) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}
	if cat, err := s.readDisk(); err != nil {
		log.G(ctx).WithError(err).Warn("Ignoring unreadable catalog cache")
	} else if cat != nil {
		s.cached = cat
		return cat, nil
	}

	cat, err := Build(ctx, client, session)
	if err != nil {
		return nil, err
	}
	s.cached = cat
	if err := s.writeDisk(cat); err != nil {
		log.G(ctx).WithError(err).Warn("Could not persist catalog cache")
	}
	return cat, nil
}

// Invalidate drops both the in-process and the on-disk cache.
func (s *Store) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LastFullSync reports when the last full pass for the pair ran.
func (s *Store) LastFullSync(resourceID, class string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil || s.cached.FullSyncCheckpoints == nil {
		return time.Time{}
	}
	return s.cached.FullSyncCheckpoints[checkpointKey(resourceID, class)]
}

// MarkFullSync records a completed full pass for the pair and persists the
// checkpoint alongside the catalog.
func (s *Store) MarkFullSync(resourceID, class string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return errors.New("catalog: no catalog loaded")
	}
	if s.cached.FullSyncCheckpoints == nil {
		s.cached.FullSyncCheckpoints = map[string]time.Time{}
	}
	s.cached.FullSyncCheckpoints[checkpointKey(resourceID, class)] = at
	return s.writeDisk(s.cached)
}

func checkpointKey(resourceID, class string) string {
	return resourceID + "::" + class
}

func (s *Store) readDisk() (*Catalog, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cat Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, errors.Wrap(err, "decoding catalog cache")
	}
	return &cat, nil
}

func (s *Store) writeDisk(cat *Catalog) error {
	raw, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o644)
}

// Build composes the three metadata calls into a derived catalog.
func Build(ctx context.Context, client *rets.Client, session *rets.Session) (*Catalog, error) {
	resourceMeta, err := client.GetMetadata(ctx, session, "METADATA-RESOURCE", "0")
	if err != nil {
		return nil, errors.Wrap(err, "fetching resource metadata")
	}

	col := map[string]int{}
	for i, c := range resourceMeta.Columns {
		col[c] = i
	}
	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	cat := &Catalog{
		GeneratedAt:         time.Now(),
		FullSyncCheckpoints: map[string]time.Time{},
	}
	for _, row := range resourceMeta.Rows {
		resourceID := get(row, "ResourceID")
		if resourceID == "" {
			continue
		}
		res := Resource{
			ResourceID:  resourceID,
			KeyField:    get(row, "KeyField"),
			Description: get(row, "Description"),
		}

		classes, err := fetchClasses(ctx, client, session, resourceID)
		if err != nil {
			log.G(ctx).WithError(err).WithField("resource", resourceID).Warn("Skipping resource, class metadata unavailable")
			continue
		}
		res.Classes = classes

		res.UpdateField = discoverUpdateField(ctx, client, session, resourceID, classes)
		if res.UpdateField == NoUpdateField {
			res.SyncType = "full"
		} else {
			res.SyncType = "partial"
		}
		res.SyncIntervalMinutes = syncInterval(resourceID, res.UpdateField)

		cat.Resources = append(cat.Resources, res)
		log.G(ctx).WithFields(logrus.Fields{
			"resource":    resourceID,
			"classes":     len(classes),
			"updateField": res.UpdateField,
			"syncType":    res.SyncType,
		}).Debug("Catalogued resource")
	}
	return cat, nil
}

// fetchClasses lists the class names of a resource. A resource with no
// classes gets a single synthetic default class (empty name).
func fetchClasses(ctx context.Context, client *rets.Client, session *rets.Session, resourceID string) ([]string, error) {
	classMeta, err := client.GetMetadata(ctx, session, "METADATA-CLASS", resourceID+":0")
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, c := range classMeta.Columns {
		if c == "ClassName" {
			idx = i
		}
	}
	var classes []string
	if idx >= 0 {
		for _, row := range classMeta.Rows {
			if idx < len(row) && row[idx] != "" {
				classes = append(classes, row[idx])
			}
		}
	}
	if len(classes) == 0 {
		classes = []string{""}
	}
	return classes, nil
}

// discoverUpdateField scans the table metadata of each class for the first
// usable watermark column.
func discoverUpdateField(ctx context.Context, client *rets.Client, session *rets.Session, resourceID string, classes []string) string {
	for _, class := range classes {
		id := resourceID
		if class != "" {
			id = resourceID + ":" + class
		}
		tableMeta, err := client.GetMetadata(ctx, session, "METADATA-TABLE", id)
		if err != nil {
			log.G(ctx).WithError(err).WithFields(logrus.Fields{
				"resource": resourceID,
				"class":    class,
			}).Debug("Table metadata unavailable during update-field discovery")
			continue
		}
		for _, f := range FieldsFromMetadata(tableMeta) {
			if name := matchUpdateField(f.SystemName); name != "" {
				return name
			}
		}
	}
	return NoUpdateField
}

func matchUpdateField(systemName string) string {
	if strings.HasPrefix(systemName, "U_") || strings.HasPrefix(systemName, "O_") {
		return ""
	}
	if updateFieldRe.MatchString(systemName) {
		return systemName
	}
	return ""
}

// syncInterval derives how often a resource should sync, in minutes.
// Property data moves constantly, membership data hourly, everything else
// daily. Resources with no watermark can only full-sync and get the daily
// cadence regardless.
func syncInterval(resourceID, updateField string) int {
	if updateField == NoUpdateField {
		return 1440
	}
	switch {
	case strings.HasPrefix(resourceID, "Property"):
		return 1
	case resourceID == "Office", resourceID == "ActiveOffice", resourceID == "Agent", resourceID == "ActiveAgent":
		return 60
	default:
		return 1440
	}
}
