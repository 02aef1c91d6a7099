// Package badgerstore implements store.Store on a badger key-value database.
//
// Key layout:
//
//	party/<id>, facility/<id>, document/<id>, batch/<id>, event/<id>   JSON records
//	batchref/<external reference>                                    batch id
//	batchseq/<batch id>/<sequence, 20 digits>                        event id
//	anchor/<subject id>                                              JSON anchor record
//	attempt/<subject id>/<counter, 20 digits>                        JSON anchor attempt
package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"custodyline/internal/domain"
	"custodyline/internal/store"
)

const (
	prefixParty    = "party/"
	prefixFacility = "facility/"
	prefixDocument = "document/"
	prefixBatch    = "batch/"
	prefixBatchRef = "batchref/"
	prefixEvent    = "event/"
	prefixBatchSeq = "batchseq/"
	prefixAnchor   = "anchor/"
	prefixAttempt  = "attempt/"
)

type Store struct {
	db       *badger.DB
	attempts *badger.Sequence
}

type Options struct {
	// Path is the data directory. Empty means in-memory.
	Path   string
	Logger *slog.Logger
}

func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(slogAdapter{opts.Logger.With("component", "badger")})
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	seq, err := db.GetSequence([]byte("seq/attempt"), 64)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "attempt sequence")
	}
	return &Store{db: db, attempts: seq}, nil
}

func (s *Store) Close() error {
	if err := s.attempts.Release(); err != nil {
		s.db.Close()
		return errors.Wrap(err, "release attempt sequence")
	}
	return s.db.Close()
}

func get(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return store.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "get %s", key)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get %s", key)
	}
	return true, nil
}

func put(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return errors.Wrapf(txn.Set([]byte(key), data), "set %s", key)
}

func putString(txn *badger.Txn, key, v string) error {
	return errors.Wrapf(txn.Set([]byte(key), []byte(v)), "set %s", key)
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "get %s", key)
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

// scan calls fn with every value under prefix, in key order.
func scan(txn *badger.Txn, prefix string, fn func(key string, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.Key()), val); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if err == badger.ErrConflict {
		return fmt.Errorf("concurrent write: %w", store.ErrConflict)
	}
	return err
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

func conflict(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrConflict)
}

func createOnce(txn *badger.Txn, kind, prefix, id string, v any) error {
	ok, err := exists(txn, prefix+id)
	if err != nil {
		return err
	}
	if ok {
		return conflict(kind, id)
	}
	return put(txn, prefix+id, v)
}

func getOne[T any](s *Store, kind, prefix, id string) (T, error) {
	var out T
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, prefix+id, &out)
	})
	if errors.Is(err, store.ErrNotFound) {
		return out, notFound(kind, id)
	}
	return out, err
}

func listAll[T any](s *Store, prefix string, key func(T) (string, string)) ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix, func(_ string, val []byte) error {
			var v T
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool {
		ai, aid := key(out[i])
		bi, bid := key(out[j])
		if ai != bi {
			return ai < bi
		}
		return aid < bid
	})
	return out, err
}

func (s *Store) CreateParty(ctx context.Context, p domain.Party) error {
	return s.update(func(txn *badger.Txn) error { return createOnce(txn, "party", prefixParty, p.ID, p) })
}

func (s *Store) GetParty(ctx context.Context, id string) (domain.Party, error) {
	return getOne[domain.Party](s, "party", prefixParty, id)
}

func (s *Store) ListParties(ctx context.Context) ([]domain.Party, error) {
	return listAll(s, prefixParty, func(p domain.Party) (string, string) { return p.CreatedAt, p.ID })
}

func (s *Store) UpdatePartyContact(ctx context.Context, id string, contact *domain.Contact, updatedAt string) (domain.Party, error) {
	var p domain.Party
	err := s.update(func(txn *badger.Txn) error {
		if err := get(txn, prefixParty+id, &p); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("party", id)
			}
			return err
		}
		p.Contact = contact
		p.UpdatedAt = updatedAt
		return put(txn, prefixParty+id, p)
	})
	return p, err
}

func (s *Store) CreateFacility(ctx context.Context, f domain.Facility) error {
	return s.update(func(txn *badger.Txn) error { return createOnce(txn, "facility", prefixFacility, f.ID, f) })
}

func (s *Store) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	return getOne[domain.Facility](s, "facility", prefixFacility, id)
}

func (s *Store) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	return listAll(s, prefixFacility, func(f domain.Facility) (string, string) { return f.CreatedAt, f.ID })
}

func (s *Store) CreateDocument(ctx context.Context, d domain.Document) error {
	return s.update(func(txn *badger.Txn) error { return createOnce(txn, "document", prefixDocument, d.ID, d) })
}

func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return getOne[domain.Document](s, "document", prefixDocument, id)
}

func (s *Store) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	return listAll(s, prefixDocument, func(d domain.Document) (string, string) { return d.CreatedAt, d.ID })
}

func seqKey(batchID string, seq int64) string {
	return fmt.Sprintf("%s%s/%020d", prefixBatchSeq, batchID, seq)
}

func putEvent(txn *badger.Txn, ev domain.Event) error {
	if ok, err := exists(txn, prefixEvent+ev.ID); err != nil {
		return err
	} else if ok {
		return conflict("event", ev.ID)
	}
	key := seqKey(ev.BatchID, ev.Sequence)
	if ok, err := exists(txn, key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("batch %s sequence %d: %w", ev.BatchID, ev.Sequence, store.ErrConflict)
	}
	ev.Anchor = nil
	if err := put(txn, prefixEvent+ev.ID, ev); err != nil {
		return err
	}
	return putString(txn, key, ev.ID)
}

func (s *Store) CreateBatch(ctx context.Context, b domain.Batch, first domain.Event) error {
	return s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, prefixBatchRef+b.ExternalReference); err != nil {
			return err
		} else if ok {
			return conflict("external reference", b.ExternalReference)
		}
		b.Anchor = nil
		if err := createOnce(txn, "batch", prefixBatch, b.ID, b); err != nil {
			return err
		}
		if err := putString(txn, prefixBatchRef+b.ExternalReference, b.ID); err != nil {
			return err
		}
		return putEvent(txn, first)
	})
}

func loadBatch(txn *badger.Txn, id string) (domain.Batch, error) {
	var b domain.Batch
	if err := get(txn, prefixBatch+id, &b); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return b, notFound("batch", id)
		}
		return b, err
	}
	anchor, err := anchorFor(txn, id)
	b.Anchor = anchor
	return b, err
}

func anchorFor(txn *badger.Txn, subjectID string) (*domain.AnchorRecord, error) {
	var rec domain.AnchorRecord
	err := get(txn, prefixAnchor+subjectID, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) LoadBatch(ctx context.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		b, err = loadBatch(txn, id)
		return err
	})
	return b, err
}

func (s *Store) LoadBatchByReference(ctx context.Context, ref string) (domain.Batch, error) {
	var b domain.Batch
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, prefixBatchRef+ref)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("external reference", ref)
		}
		if err != nil {
			return err
		}
		b, err = loadBatch(txn, id)
		return err
	})
	return b, err
}

func (s *Store) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.db.View(func(txn *badger.Txn) error {
		var ids []string
		if err := scan(txn, prefixBatch, func(key string, _ []byte) error {
			ids = append(ids, strings.TrimPrefix(key, prefixBatch))
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			b, err := loadBatch(txn, id)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func updateBatch(txn *badger.Txn, b domain.Batch) error {
	var prev domain.Batch
	if err := get(txn, prefixBatch+b.ID, &prev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("batch", b.ID)
		}
		return err
	}
	if prev.ExternalReference != b.ExternalReference {
		if ok, err := exists(txn, prefixBatchRef+b.ExternalReference); err != nil {
			return err
		} else if ok {
			return conflict("external reference", b.ExternalReference)
		}
		if err := txn.Delete([]byte(prefixBatchRef + prev.ExternalReference)); err != nil {
			return err
		}
		if err := putString(txn, prefixBatchRef+b.ExternalReference, b.ID); err != nil {
			return err
		}
	}
	b.Anchor = nil
	return put(txn, prefixBatch+b.ID, b)
}

func (s *Store) UpdateBatch(ctx context.Context, b domain.Batch) error {
	return s.update(func(txn *badger.Txn) error { return updateBatch(txn, b) })
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event, b domain.Batch) error {
	if ev.BatchID != b.ID {
		return fmt.Errorf("event %s belongs to batch %s, not %s", ev.ID, ev.BatchID, b.ID)
	}
	return s.update(func(txn *badger.Txn) error {
		if err := updateBatch(txn, b); err != nil {
			return err
		}
		return putEvent(txn, ev)
	})
}

func eventsFor(txn *badger.Txn, batchID string) ([]domain.Event, error) {
	var ids []string
	if err := scan(txn, prefixBatchSeq+batchID+"/", func(_ string, val []byte) error {
		ids = append(ids, string(val))
		return nil
	}); err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(ids))
	for _, id := range ids {
		var ev domain.Event
		err := get(txn, prefixEvent+id, &ev)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ev.Anchor, err = anchorFor(txn, ev.ID); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	store.SortEvents(out)
	return out, nil
}

func (s *Store) LoadEventsForBatch(ctx context.Context, batchID string) ([]domain.Event, error) {
	var out []domain.Event
	err := s.db.View(func(txn *badger.Txn) error {
		if ok, err := exists(txn, prefixBatch+batchID); err != nil {
			return err
		} else if !ok {
			return notFound("batch", batchID)
		}
		var err error
		out, err = eventsFor(txn, batchID)
		return err
	})
	return out, err
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	var ev domain.Event
	err := s.db.View(func(txn *badger.Txn) error {
		if err := get(txn, prefixEvent+id, &ev); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("event", id)
			}
			return err
		}
		var err error
		ev.Anchor, err = anchorFor(txn, id)
		return err
	})
	return ev, err
}

// Snapshot reads the batch and its events inside one read transaction.
func (s *Store) Snapshot(ctx context.Context, batchID string) (store.Snapshot, error) {
	var snap store.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		b, err := loadBatch(txn, batchID)
		if err != nil {
			return err
		}
		events, err := eventsFor(txn, batchID)
		if err != nil {
			return err
		}
		snap = store.Snapshot{Batch: b, Events: events}
		return nil
	})
	return snap, err
}

func (s *Store) SaveAnchor(ctx context.Context, rec domain.AnchorRecord) error {
	return s.update(func(txn *badger.Txn) error { return put(txn, prefixAnchor+rec.SubjectID, rec) })
}

func (s *Store) GetAnchor(ctx context.Context, subjectID string) (domain.AnchorRecord, error) {
	return getOne[domain.AnchorRecord](s, "anchor", prefixAnchor, subjectID)
}

func (s *Store) ListAnchorsByStatus(ctx context.Context, statuses ...domain.AnchorStatus) ([]domain.AnchorRecord, error) {
	all, err := listAll(s, prefixAnchor, func(r domain.AnchorRecord) (string, string) { return r.SubmittedAt, r.SubjectID })
	if err != nil {
		return nil, err
	}
	var out []domain.AnchorRecord
	for _, rec := range all {
		if store.MatchStatus(rec.Status, statuses) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) AppendAnchorAttempt(ctx context.Context, att domain.AnchorAttempt) error {
	n, err := s.attempts.Next()
	if err != nil {
		return errors.Wrap(err, "next attempt sequence")
	}
	key := fmt.Sprintf("%s%s/%020d", prefixAttempt, att.SubjectID, n)
	return s.update(func(txn *badger.Txn) error { return put(txn, key, att) })
}

func (s *Store) ListAnchorAttempts(ctx context.Context, subjectID string) ([]domain.AnchorAttempt, error) {
	var out []domain.AnchorAttempt
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixAttempt+subjectID+"/", func(_ string, val []byte) error {
			var att domain.AnchorAttempt
			if err := json.Unmarshal(val, &att); err != nil {
				return err
			}
			out = append(out, att)
			return nil
		})
	})
	return out, err
}

type slogAdapter struct{ log *slog.Logger }

func (a slogAdapter) Errorf(format string, args ...any) {
	a.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Warningf(format string, args ...any) {
	a.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
