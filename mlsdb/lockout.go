package mlsdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

const lockoutFile = "rets_lockout.json"

// LockoutSet is the persisted set of resource/class pairs the account has no
// authority over. The sync engine is the only writer; other loops read it to
// skip locked pairs.
type LockoutSet struct {
	path string

	mu  sync.Mutex
	set mapset.Set[string]
}

// LoadLockouts reads the lockout file, tolerating its absence.
func LoadLockouts(cacheDir string) (*LockoutSet, error) {
	l := &LockoutSet{
		path: filepath.Join(cacheDir, lockoutFile),
		set:  mapset.NewSet[string](),
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, errors.Wrap(err, "reading lockout file")
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, errors.Wrap(err, "decoding lockout file")
	}
	l.set.Append(keys...)
	return l, nil
}

// Locked reports whether the pair is locked out.
func (l *LockoutSet) Locked(resourceID, class string) bool {
	return l.set.Contains(lockoutKey(resourceID, class))
}

// Add records a newly detected lockout and persists the set immediately.
func (l *LockoutSet) Add(resourceID, class string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set.Add(lockoutKey(resourceID, class))
	return l.persist()
}

// Len returns the number of locked pairs.
func (l *LockoutSet) Len() int {
	return l.set.Cardinality()
}

func (l *LockoutSet) persist() error {
	keys := l.set.ToSlice()
	raw, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(l.path, raw, 0o644), "writing lockout file")
}

func lockoutKey(resourceID, class string) string {
	return resourceID + "::" + class
}
