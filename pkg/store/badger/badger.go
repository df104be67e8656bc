// Package badger is a single-node embedded incident store on BadgerDB.
// Each record is one JSON document:
//
//	inc/<id>                  incident with its full history
//	led/<incident>/<key>      execution ledger entry
//	apr/<id>                  approval request
//	apr-pending/<incident>    id of the incident's pending approval
//	apr-latest/<incident>     id of the incident's most recent approval
//
// Writes run in badger transactions, whose conflict detection gives the
// same optimistic-commit semantics as the PostgreSQL store.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/store"
)

const (
	prefixIncident = "inc/"
	prefixLedger   = "led/"
	prefixApproval = "apr/"
	prefixPending  = "apr-pending/"
	prefixLatest   = "apr-latest/"
)

// conflictRetries bounds how often a write transaction is replayed after
// badger reports a conflict.
const conflictRetries = 5

// Store implements store.Store.
type Store struct {
	db     *badgerdb.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database described by cfg and starts value-log
// garbage collection when configured.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "badger: invalid configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "badger: failed to create %s", cfg.Path)
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "badger: failed to open database")
	}
	s := &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// badgerLogger routes badger's internal log lines to slog. Info and debug
// output is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				s.logger.Warn("badger: value log GC failed", "error", err)
			}
		}
	}
}

// update runs fn in a read-write transaction, replaying it when badger
// detects a conflicting concurrent commit.
func (s *Store) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return sserr.FromContext(err, sserr.CodeTimeoutDatabase, "badger: write interrupted")
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return wrapError(err, "badger: write failed")
		}
		if attempt == conflictRetries {
			return sserr.Wrap(err, sserr.CodeConflict, "badger: write kept conflicting")
		}
	}
}

func (s *Store) view(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return sserr.FromContext(err, sserr.CodeTimeoutDatabase, "badger: read interrupted")
	}
	return wrapError(s.db.View(fn), "badger: read failed")
}

// wrapError leaves coded errors alone and classifies the rest.
func wrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, coded := sserr.AsError(err); coded {
		return err
	}
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return sserr.Wrap(err, sserr.CodeNotFound, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}

func getJSON(txn *badgerdb.Txn, key string, dst any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(raw []byte) error {
		if err := json.Unmarshal(raw, dst); err != nil {
			return sserr.Wrapf(err, sserr.CodeCorruptedRecord, "badger: record %s is unreadable", key)
		}
		return nil
	})
	return err == nil, err
}

func setJSON(txn *badgerdb.Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternal, "badger: failed to encode %s", key)
	}
	return txn.Set([]byte(key), raw)
}

// scan decodes every record under prefix into a fresh T and hands it to fn.
func scan[T any](txn *badgerdb.Txn, prefix string, fn func(*T) error) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		v := new(T)
		err := item.Value(func(raw []byte) error {
			if err := json.Unmarshal(raw, v); err != nil {
				return sserr.Wrapf(err, sserr.CodeCorruptedRecord, "badger: record %s is unreadable", item.Key())
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// =========================================================================
// Incidents
// =========================================================================

// Create implements store.Incidents.
func (s *Store) Create(ctx context.Context, inc *incident.Incident) error {
	key := prefixIncident + inc.ID
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return sserr.Newf(sserr.CodeConflictAlreadyExists, "badger: incident %s already exists", inc.ID)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, inc)
	})
}

// Get implements store.Incidents.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, error) {
	var inc incident.Incident
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		found, err := getJSON(txn, prefixIncident+id, &inc)
		if err != nil {
			return err
		}
		if !found {
			return sserr.Newf(sserr.CodeNotFoundIncident, "badger: incident %s not found", id)
		}
		return inc.Validate()
	})
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// Commit implements store.Incidents.
func (s *Store) Commit(ctx context.Context, inc *incident.Incident, expectedVersion int) error {
	key := prefixIncident + inc.ID
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		var cur incident.Incident
		found, err := getJSON(txn, key, &cur)
		if err != nil {
			return err
		}
		if !found {
			return sserr.Newf(sserr.CodeNotFoundIncident, "badger: incident %s not found", inc.ID)
		}
		if err := store.CheckAppend(inc.ID, cur.Version(), expectedVersion, inc); err != nil {
			return err
		}
		return setJSON(txn, key, inc)
	})
}

// ForceFail implements store.Incidents. It skips Validate so damaged
// histories can still be closed; a document that no longer decodes is
// left in place and reported.
func (s *Store) ForceFail(ctx context.Context, id, reason string) error {
	key := prefixIncident + id
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		var cur incident.Incident
		found, err := getJSON(txn, key, &cur)
		if err != nil {
			return err
		}
		if !found {
			return sserr.Newf(sserr.CodeNotFoundIncident, "badger: incident %s not found", id)
		}
		if cur.Status.IsTerminal() {
			return nil
		}
		now := s.now()
		cur.History = append(cur.History, store.ForceFailTransition(len(cur.History)+1, cur.Status, reason, now))
		cur.Status = incident.StatusFailed
		cur.UpdatedAt = now
		return setJSON(txn, key, &cur)
	})
}

// ListActive implements store.Incidents.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		return scan(txn, prefixIncident, func(inc *incident.Incident) error {
			if !inc.Status.IsTerminal() {
				ids = append(ids, inc.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// List implements store.Incidents. It scans every incident; the embedded
// store targets deployments with modest volume.
func (s *Store) List(ctx context.Context, f store.Filter) ([]*incident.Incident, error) {
	var out []*incident.Incident
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		return scan(txn, prefixIncident, func(inc *incident.Incident) error {
			if f.Matches(inc) {
				out = append(out, inc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =========================================================================
// Ledger
// =========================================================================

func ledgerKey(incidentID, key string) string {
	return prefixLedger + incidentID + "/" + key
}

// GetEntry implements store.Ledger.
func (s *Store) GetEntry(ctx context.Context, incidentID, key string) (*incident.LedgerEntry, error) {
	var e incident.LedgerEntry
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		found, err := getJSON(txn, ledgerKey(incidentID, key), &e)
		if err != nil {
			return err
		}
		if !found {
			return sserr.NotFoundf("badger: no ledger entry %s for incident %s", key, incidentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutEntry implements store.Ledger.
func (s *Store) PutEntry(ctx context.Context, e *incident.LedgerEntry) error {
	key := ledgerKey(e.IncidentID, e.Key)
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		var cur incident.LedgerEntry
		found, err := getJSON(txn, key, &cur)
		if err != nil {
			return err
		}
		if found {
			if err := store.ReplaceEntry(&cur, e); err != nil {
				return err
			}
		}
		return setJSON(txn, key, e)
	})
}

// ListEntries implements store.Ledger.
func (s *Store) ListEntries(ctx context.Context, incidentID string) ([]*incident.LedgerEntry, error) {
	var out []*incident.LedgerEntry
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		return scan(txn, prefixLedger+incidentID+"/", func(e *incident.LedgerEntry) error {
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =========================================================================
// Approvals
// =========================================================================

// CreateApproval implements store.Approvals.
func (s *Store) CreateApproval(ctx context.Context, r *incident.ApprovalRequest) error {
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(prefixPending + r.IncidentID))
		if err == nil {
			existing, _ := item.ValueCopy(nil)
			return sserr.Newf(sserr.CodeApprovalPending,
				"badger: incident %s already has pending approval %s", r.IncidentID, existing)
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get([]byte(prefixApproval + r.ID)); err == nil {
			return sserr.Newf(sserr.CodeConflictAlreadyExists, "badger: approval %s already exists", r.ID)
		}
		if r.Pending() {
			if err := txn.Set([]byte(prefixPending+r.IncidentID), []byte(r.ID)); err != nil {
				return err
			}
		}
		if err := txn.Set([]byte(prefixLatest+r.IncidentID), []byte(r.ID)); err != nil {
			return err
		}
		return setJSON(txn, prefixApproval+r.ID, r)
	})
}

// GetApproval implements store.Approvals.
func (s *Store) GetApproval(ctx context.Context, id string) (*incident.ApprovalRequest, error) {
	var r incident.ApprovalRequest
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		found, err := getJSON(txn, prefixApproval+id, &r)
		if err != nil {
			return err
		}
		if !found {
			return sserr.NotFoundf("badger: approval %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PendingApproval implements store.Approvals.
func (s *Store) PendingApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	return s.indexedApproval(ctx, prefixPending, incidentID, "pending")
}

// LatestApproval implements store.Approvals.
func (s *Store) LatestApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	return s.indexedApproval(ctx, prefixLatest, incidentID, "latest")
}

// indexedApproval follows the approval id stored under prefix+incidentID.
func (s *Store) indexedApproval(ctx context.Context, prefix, incidentID, role string) (*incident.ApprovalRequest, error) {
	var r incident.ApprovalRequest
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(prefix + incidentID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return sserr.NotFoundf("badger: incident %s has no %s approval", incidentID, role)
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found, err := getJSON(txn, prefixApproval+string(id), &r)
		if err != nil {
			return err
		}
		if !found {
			return sserr.Newf(sserr.CodeCorruptedRecord, "badger: %s approval %s is missing", role, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ResolveApproval implements store.Approvals.
func (s *Store) ResolveApproval(ctx context.Context, id string, state incident.ApprovalState, actor string, at time.Time) error {
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		var r incident.ApprovalRequest
		found, err := getJSON(txn, prefixApproval+id, &r)
		if err != nil {
			return err
		}
		if !found {
			return sserr.NotFoundf("badger: approval %s not found", id)
		}
		if !r.Pending() {
			return sserr.Newf(sserr.CodeApprovalNotPending, "badger: approval %s is already %s", id, r.State)
		}
		r.State = state
		r.Actor = actor
		r.ResolvedAt = &at
		if err := txn.Delete([]byte(prefixPending + r.IncidentID)); err != nil {
			return err
		}
		return setJSON(txn, prefixApproval+id, &r)
	})
}

// ListPendingApprovals implements store.Approvals.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*incident.ApprovalRequest, error) {
	var out []*incident.ApprovalRequest
	err := s.view(ctx, func(txn *badgerdb.Txn) error {
		return scan(txn, prefixApproval, func(r *incident.ApprovalRequest) error {
			if r.Pending() {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// =========================================================================
// Lifecycle
// =========================================================================

// Health reports whether the database is open.
func (s *Store) Health(context.Context) error {
	if s.db.IsClosed() {
		return sserr.New(sserr.CodeUnavailableDependency, "badger: database is closed")
	}
	return nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}
