// Package journal persists per-session transfer records so that an
// interrupted session can be resumed across process restarts. A record pairs
// the resource URL with the local partial-file path and the validators
// (ETag, Last-Modified) needed to resume safely with If-Range.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/streamcache/internal/logger"
)

// ErrNotFound is returned when no record exists for a URL.
var ErrNotFound = errors.New("journal: record not found")

// Entry is one persisted transfer session.
type Entry struct {
	URL          string    `json:"url"`
	Path         string    `json:"path"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ExpectedSize int64     `json:"expected_size"`
	Downloaded   int64     `json:"downloaded"`
	Completed    bool      `json:"completed"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validator returns the strongest resume validator the entry carries, for
// use as an If-Range value. Empty when the origin supplied neither.
func (e Entry) Validator() string {
	if e.ETag != "" {
		return e.ETag
	}
	return e.LastModified
}

// Config configures the journal.
type Config struct {
	// Dir is the BadgerDB directory. Empty disables the journal.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

func DefaultConfig() Config {
	return Config{}
}

// Journal is a BadgerDB-backed session store. Safe for concurrent use.
type Journal struct {
	db *badger.DB
}

// Open opens or creates the journal at dir.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", dir, err)
	}
	return &Journal{db: db}, nil
}

// Put stores or replaces the record for e.URL.
func (j *Journal) Put(e Entry) error {
	e.UpdatedAt = time.Now().UTC()
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keySession(e.URL), val)
	})
}

// Get returns the record for url, or ErrNotFound.
func (j *Journal) Get(url string) (Entry, error) {
	var entry Entry

	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keySession(url))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Delete removes the record for url. Deleting an absent record is not an
// error.
func (j *Journal) Delete(url string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keySession(url))
	})
}

// List returns every record, in key order.
func (j *Journal) List() ([]Entry, error) {
	var entries []Entry

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(sessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					// A corrupt record should not hide the
					// rest of the journal.
					logger.Warn("skipping corrupt journal entry",
						logger.KeyError, err,
					)
					return nil
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close flushes and closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

const sessionPrefix = "session:"

func keySession(url string) []byte {
	return []byte(sessionPrefix + url)
}
