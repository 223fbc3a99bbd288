package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Step is the last completed phase of a merge saga. Each step is
// individually idempotent, so a crash mid-merge resumes from the marker
// instead of restarting or staying half-applied.
type Step string

const (
	StepStarted     Step = "started"
	StepTransferred Step = "transferred"
	StepPruned      Step = "pruned"
	StepAudited     Step = "audited"
)

// Progress is the persisted saga marker for one merge pair.
type Progress struct {
	GroupID     string    `json:"group_id"`
	CanonicalID string    `json:"canonical_id"`
	DuplicateID string    `json:"duplicate_id"`
	Step        Step      `json:"step"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ErrLockHeld is returned when another process holds the advisory lock for
// a merge pair.
var ErrLockHeld = errors.New("merge lock held by another worker")

// PairKey returns the canonical key for an unordered node pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "~" + b
}

// Journal persists merge-progress markers and advisory pair locks in an
// embedded Badger database.
type Journal struct {
	db *badger.DB
	mu sync.Mutex
	// in-process exclusivity per pair; the advisory lock covers other
	// processes sharing the store. Entries are refcounted so the map
	// stays proportional to contended pairs, not to every pair ever
	// merged.
	inflight map[string]*pairLock
}

type pairLock struct {
	sync.Mutex
	refs int
}

// NewJournal opens (or creates) a journal at path. An empty path keeps it
// in memory, which is only appropriate for tests and single-run tools.
func NewJournal(path string) (*Journal, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open merge journal: %w", err)
	}
	return &Journal{db: db, inflight: make(map[string]*pairLock)}, nil
}

func progressKey(groupID, pairKey string) []byte {
	return []byte(strings.Join([]string{"merge", groupID, pairKey}, "|"))
}

func lockKey(groupID, pairKey string) []byte {
	return []byte(strings.Join([]string{"lock", groupID, pairKey}, "|"))
}

// Record persists the progress marker for a pair.
func (j *Journal) Record(p Progress) error {
	p.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(progressKey(p.GroupID, PairKey(p.CanonicalID, p.DuplicateID)), payload)
	})
}

// Load returns the progress marker for a pair, or nil when none exists.
func (j *Journal) Load(groupID, canonicalID, duplicateID string) (*Progress, error) {
	var progress *Progress
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(progressKey(groupID, PairKey(canonicalID, duplicateID)))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var p Progress
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			progress = &p
			return nil
		})
	})
	return progress, err
}

// Clear removes the marker after a merge completes.
func (j *Journal) Clear(groupID, canonicalID, duplicateID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(progressKey(groupID, PairKey(canonicalID, duplicateID)))
	})
}

// Pending lists every incomplete merge recorded in the journal, ordered by
// group then pair.
func (j *Journal) Pending() ([]Progress, error) {
	var out []Progress
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("merge|")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Progress
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return PairKey(out[i].CanonicalID, out[i].DuplicateID) < PairKey(out[j].CanonicalID, out[j].DuplicateID)
	})
	return out, nil
}

// Acquire takes both the in-process mutex and the store-level advisory
// lock for a pair. The advisory entry carries a TTL so a crashed holder
// does not wedge the pair forever; the saga marker makes a later resume
// safe. The returned release function must be called once.
func (j *Journal) Acquire(groupID, pairKey string, ttl time.Duration) (func(), error) {
	j.mu.Lock()
	m, ok := j.inflight[pairKey]
	if !ok {
		m = &pairLock{}
		j.inflight[pairKey] = m
	}
	m.refs++
	j.mu.Unlock()
	m.Lock()

	put := func() {
		m.Unlock()
		j.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(j.inflight, pairKey)
		}
		j.mu.Unlock()
	}

	err := j.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(lockKey(groupID, pairKey))
		if err == nil {
			return ErrLockHeld
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		entry := badger.NewEntry(lockKey(groupID, pairKey), []byte(time.Now().UTC().Format(time.RFC3339))).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		put()
		return nil, err
	}

	release := func() {
		_ = j.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(lockKey(groupID, pairKey))
		})
		put()
	}
	return release, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
