package objectstore

import (
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// variantNames is the full set a listing must cover before its staging
// directory is removed.
var variantNames = []string{"original", "large", "medium", "small", "thumb"}

// tracker records which variants have been stored per listing, matched by
// filename stem prefix.
type tracker struct {
	mu        sync.Mutex
	byListing map[string]mapset.Set[string]
}

func newTracker() *tracker {
	return &tracker{byListing: map[string]mapset.Set[string]{}}
}

func (t *tracker) record(listingID, filename string) {
	variant := variantFromFilename(filename)
	if variant == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byListing[listingID]
	if !ok {
		set = mapset.NewSet[string]()
		t.byListing[listingID] = set
	}
	set.Add(variant)
}

func (t *tracker) complete(listingID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byListing[listingID]
	if !ok {
		return false
	}
	for _, v := range variantNames {
		if !set.Contains(v) {
			return false
		}
	}
	return true
}

func (t *tracker) forget(listingID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byListing, listingID)
}

// variantFromFilename matches "large-123.webp" style names to their variant.
func variantFromFilename(name string) string {
	for _, v := range variantNames {
		if strings.HasPrefix(name, v+"-") {
			return v
		}
	}
	return ""
}
