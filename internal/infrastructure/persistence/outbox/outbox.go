// Package outbox keeps remote writes that failed so they can be replayed.
// Entries live in an embedded BadgerDB keyed by the write's natural key, so a
// newer failure of the same write replaces the older one.
package outbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/application/remotesync"
)

const keyPrefix = "outbox:"

// Config contains configuration for the outbox.
type Config struct {
	// Dir is the BadgerDB directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps entries in memory only.
	InMemory bool

	Logger *slog.Logger
}

// Outbox is a BadgerDB-backed remotesync.Outbox.
type Outbox struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ remotesync.Outbox = (*Outbox)(nil)

// Open opens (or creates) the outbox database.
func Open(cfg Config) (*Outbox, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	return &Outbox{db: db, logger: cfg.Logger, now: time.Now}, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func storageKey(key string) []byte {
	return []byte(keyPrefix + key)
}

func get(txn *badger.Txn, key string) (remotesync.PendingWrite, bool, error) {
	item, err := txn.Get(storageKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return remotesync.PendingWrite{}, false, nil
	}
	if err != nil {
		return remotesync.PendingWrite{}, false, err
	}
	var entry remotesync.PendingWrite
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	})
	return entry, err == nil, err
}

func set(txn *badger.Txn, entry remotesync.PendingWrite) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	return txn.Set(storageKey(entry.Key()), data)
}

// Put stores a failed write. An entry already holding a newer revision of the
// same key is kept.
func (o *Outbox) Put(w remotesync.Write, cause error) error {
	payload, err := remotesync.EncodePayload(w)
	if err != nil {
		return err
	}
	now := o.now()

	return o.db.Update(func(txn *badger.Txn) error {
		existing, found, err := get(txn, w.Key())
		if err != nil {
			return fmt.Errorf("get outbox entry: %w", err)
		}
		if found && existing.Revision > w.Revision {
			return nil
		}

		entry := remotesync.PendingWrite{
			ID:        uuid.NewString(),
			Op:        w.Op,
			UserID:    w.UserID,
			EntityID:  w.EntityID,
			Revision:  w.Revision,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if cause != nil {
			entry.LastError = cause.Error()
		}
		if found {
			entry.ID = existing.ID
			entry.CreatedAt = existing.CreatedAt
		}
		return set(txn, entry)
	})
}

// Pending returns up to limit entries ordered by revision, oldest first.
func (o *Outbox) Pending(limit int) ([]remotesync.PendingWrite, error) {
	entries, err := o.scan(func(remotesync.PendingWrite) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Revision != entries[j].Revision {
			return entries[i].Revision < entries[j].Revision
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Count returns the number of pending entries.
func (o *Outbox) Count() (int, error) {
	count := 0
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Confirm removes the entry for key when its revision is not newer than revision.
func (o *Outbox) Confirm(key string, revision int64) error {
	return o.db.Update(func(txn *badger.Txn) error {
		existing, found, err := get(txn, key)
		if err != nil || !found {
			return err
		}
		if existing.Revision > revision {
			return nil
		}
		return txn.Delete(storageKey(key))
	})
}

// MarkFailed records another failed attempt. A missing entry yields a zero
// PendingWrite and no error.
func (o *Outbox) MarkFailed(key string, cause error) (remotesync.PendingWrite, error) {
	var updated remotesync.PendingWrite
	err := o.db.Update(func(txn *badger.Txn) error {
		existing, found, err := get(txn, key)
		if err != nil || !found {
			return err
		}
		existing.Attempts++
		existing.UpdatedAt = o.now()
		if cause != nil {
			existing.LastError = cause.Error()
		}
		updated = existing
		return set(txn, existing)
	})
	return updated, err
}

// Drop removes the entry for key.
func (o *Outbox) Drop(key string) error {
	return o.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(storageKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// PurgeSuperseded removes the user's entries for ops with revision <= revision.
func (o *Outbox) PurgeSuperseded(userID string, ops []remotesync.Op, revision int64) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	match := make(map[remotesync.Op]struct{}, len(ops))
	for _, op := range ops {
		match[op] = struct{}{}
	}

	stale, err := o.scan(func(e remotesync.PendingWrite) bool {
		_, ok := match[e.Op]
		return ok && e.UserID == userID && e.Revision <= revision
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	err = o.db.Update(func(txn *badger.Txn) error {
		for _, e := range stale {
			if err := txn.Delete(storageKey(e.Key())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge outbox entries: %w", err)
	}
	return len(stale), nil
}

func (o *Outbox) scan(keep func(remotesync.PendingWrite) bool) ([]remotesync.PendingWrite, error) {
	var entries []remotesync.PendingWrite
	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry remotesync.PendingWrite
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				o.logger.Warn("skipping corrupt outbox entry",
					"key", strings.TrimPrefix(string(item.Key()), keyPrefix),
					"error", err,
				)
				continue
			}
			if keep(entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return entries, nil
}
