/*
service.go - Points ledger operations

PURPOSE:
  Orchestrates every ledger operation against a TxStore:

    ┌──────────────────────── one transaction ─────────────────────────┐
    │ load entry ──▶ lock client ──▶ replay balance ──▶ machine decides │
    │                                                     │            │
    │                                        insert / CAS update       │
    │                                        bump cache generation     │
    └──────────────────────────────────────────────────────────────────┘
                           commit ──▶ bump cache generation again

RESULTS:
  Every mutating operation returns (Result, error).
  - Result.Errors carries domain failures (wrong status, insufficient
    balance, bad certificate data, ...). Nothing was persisted.
  - error is reserved for store failures.

  The Service holds no per-call state and is safe for concurrent use. The
  bool + GetErrors() calling convention lives in session.go.

DECISION INPUTS:
  Decisions always use a balance replayed inside the transaction, never the
  cached projection, so a stale cache can not let a debit through.

EXAMPLE:
  svc := points.NewService(store, points.Options{Logger: log})
  res, err := svc.SubByAdmin(ctx, points.Admin("adm-1"), points.Draft{
      ClientID: "c-1", Value: decimal.NewFromInt(150),
  })
  if err != nil { ... }                       // database trouble
  if !res.OK() { fmt.Println(res.Errors) }    // insufficient_balance

SEE ALSO:
  - machine.go: The decisions
  - balance.go: Projection used by BalanceOf
*/
package points

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// RESULT
// =============================================================================

type Result struct {
	Entry  Entry
	Errors ErrorList
}

func (r Result) OK() bool { return len(r.Errors) == 0 }

// =============================================================================
// SERVICE
// =============================================================================

type Options struct {
	Logger   logrus.FieldLogger
	Cache    BalanceCache
	Recorder Recorder

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() EntryID
}

type Service struct {
	store      TxStore
	projection *Projection
	log        logrus.FieldLogger
	recorder   Recorder
	now        func() time.Time
	newID      func() EntryID
}

func NewService(store TxStore, opts Options) *Service {
	s := &Service{
		store:    store,
		log:      opts.Logger,
		recorder: opts.Recorder,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		s.log = l
	}
	if s.recorder == nil {
		s.recorder = NopRecorder{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = func() EntryID { return EntryID(uuid.NewString()) }
	}
	s.projection = &Projection{Store: store, Cache: opts.Cache, Recorder: s.recorder}
	return s
}

// =============================================================================
// CREATION
// =============================================================================

// CreateEntry creates an entry of the given kind on behalf of actor.
func (s *Service) CreateEntry(ctx context.Context, actor Actor, kind Status, d Draft) (Result, error) {
	return s.mutate(ctx, "create_"+string(kind), actor, func(tx Store) (Entry, error) {
		exists, err := tx.LockClient(ctx, d.ClientID)
		if err != nil {
			return Entry{}, fmt.Errorf("lock client: %w", err)
		}
		if !exists {
			return Entry{}, &NotFoundError{What: "client", ID: string(d.ClientID)}
		}
		bal, err := replay(ctx, tx, d.ClientID)
		if err != nil {
			return Entry{}, err
		}
		e, err := Create(kind, actor, d, bal, s.now())
		if err != nil {
			return Entry{}, err
		}
		e.ID = s.newID()
		if err := tx.InsertEntry(ctx, e); err != nil {
			return Entry{}, fmt.Errorf("insert entry: %w", err)
		}
		return e, nil
	})
}

// AddByAdmin credits the client; certificate fields make it a certificate
// credit.
func (s *Service) AddByAdmin(ctx context.Context, actor Actor, d Draft) (Result, error) {
	return s.CreateEntry(ctx, actor, StatusAddedByAdmin, d)
}

func (s *Service) SaveByAdmin(ctx context.Context, actor Actor, d Draft) (Result, error) {
	return s.CreateEntry(ctx, actor, StatusSavedByAdminCert, d)
}

func (s *Service) SubByAdmin(ctx context.Context, actor Actor, d Draft) (Result, error) {
	return s.CreateEntry(ctx, actor, StatusSubtractedByAdmin, d)
}

func (s *Service) RequestWithdrawal(ctx context.Context, actor Actor, d Draft) (Result, error) {
	return s.CreateEntry(ctx, actor, StatusRequestWithdrawal, d)
}

func (s *Service) RequestPartnerCert(ctx context.Context, actor Actor, d Draft) (Result, error) {
	return s.CreateEntry(ctx, actor, StatusRequestPartnerCert, d)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Service) AcceptWithdrawal(ctx context.Context, actor Actor, id EntryID) (Result, error) {
	return s.transition(ctx, "accept_withdrawal", actor, id, func(e Entry, bal Balance, now time.Time) (Entry, error) {
		return AcceptWithdrawal(actor, e, bal, now)
	})
}

func (s *Service) AcceptPartnerCert(ctx context.Context, actor Actor, id EntryID) (Result, error) {
	return s.transition(ctx, "accept_partner_cert", actor, id, func(e Entry, bal Balance, now time.Time) (Entry, error) {
		return AcceptPartnerCert(actor, e, bal, now)
	})
}

func (s *Service) CancelWithdrawal(ctx context.Context, actor Actor, id EntryID) (Result, error) {
	return s.transition(ctx, "cancel_withdrawal", actor, id, func(e Entry, _ Balance, now time.Time) (Entry, error) {
		return CancelWithdrawal(actor, e, now)
	})
}

func (s *Service) CancelPartnerCert(ctx context.Context, actor Actor, id EntryID) (Result, error) {
	return s.transition(ctx, "cancel_partner_cert", actor, id, func(e Entry, _ Balance, now time.Time) (Entry, error) {
		return CancelPartnerCert(actor, e, now)
	})
}

// AcceptEntry accepts whatever kind of pending entry id is.
func (s *Service) AcceptEntry(ctx context.Context, actor Actor, id EntryID) (Result, error) {
	return s.transition(ctx, "accept", actor, id, func(e Entry, bal Balance, now time.Time) (Entry, error) {
		return Accept(actor, e, bal, now)
	})
}

// CancelEntry cancels whatever kind of pending request id is.
func (s *Service) CancelEntry(ctx context.Context, actor Actor, id EntryID) (Result, error) {
	return s.transition(ctx, "cancel", actor, id, func(e Entry, _ Balance, now time.Time) (Entry, error) {
		return Cancel(actor, e, now)
	})
}

// UpdateEntry applies an admin edit. It never changes status or value.
func (s *Service) UpdateEntry(ctx context.Context, actor Actor, id EntryID, p Patch) (Result, error) {
	return s.transition(ctx, "update", actor, id, func(e Entry, _ Balance, now time.Time) (Entry, error) {
		return ApplyPatch(actor, e, p, now)
	})
}

type decision func(e Entry, bal Balance, now time.Time) (Entry, error)

func (s *Service) transition(ctx context.Context, op string, actor Actor, id EntryID, decide decision) (Result, error) {
	return s.mutate(ctx, op, actor, func(tx Store) (Entry, error) {
		e, err := tx.GetEntry(ctx, id)
		if err != nil {
			return Entry{}, err
		}
		if _, err := tx.LockClient(ctx, e.ClientID); err != nil {
			return Entry{}, fmt.Errorf("lock client: %w", err)
		}
		bal, err := replay(ctx, tx, e.ClientID)
		if err != nil {
			return Entry{}, err
		}
		next, err := decide(e, bal, s.now())
		if err != nil {
			return Entry{}, err
		}
		if err := tx.UpdateEntry(ctx, next, e.Status); err != nil {
			return Entry{}, err
		}
		return next, nil
	})
}

// mutate runs fn in a transaction and sorts its failure into domain errors
// (Result.Errors) and store errors (error).
func (s *Service) mutate(ctx context.Context, op string, actor Actor, fn func(tx Store) (Entry, error)) (Result, error) {
	start := time.Now()
	log := s.log.WithFields(logrus.Fields{"op": op, "actor": actor.String()})

	var out Entry
	err := s.store.WithTx(ctx, func(tx Store) error {
		e, err := fn(tx)
		if err != nil {
			return err
		}
		if err := s.projection.Invalidate(ctx, e.ClientID); err != nil {
			return fmt.Errorf("invalidate balance cache: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		if list, ok := Classify(err); ok {
			log.WithField("reason", err.Error()).Info("points operation rejected")
			s.recorder.ObserveOperation(op, OutcomeRejected, time.Since(start))
			return Result{Errors: list}, nil
		}
		log.WithError(err).Error("points operation failed")
		s.recorder.ObserveOperation(op, OutcomeError, time.Since(start))
		return Result{}, err
	}

	log = log.WithFields(logrus.Fields{"entry_id": out.ID, "client_id": out.ClientID})
	if err := s.projection.Invalidate(ctx, out.ClientID); err != nil {
		log.WithError(err).Warn("balance cache invalidation after commit failed")
	}
	log.WithField("status", out.Status).Info("points operation applied")
	s.recorder.ObserveOperation(op, OutcomeOK, time.Since(start))
	return Result{Entry: out}, nil
}

func replay(ctx context.Context, tx Store, clientID ClientID) (Balance, error) {
	entries, err := tx.EntriesByClient(ctx, clientID)
	if err != nil {
		return Balance{}, fmt.Errorf("load entries: %w", err)
	}
	return ComputeBalance(clientID, entries), nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Entry(ctx context.Context, id EntryID) (Entry, error) {
	return s.store.GetEntry(ctx, id)
}

func (s *Service) Entries(ctx context.Context, clientID ClientID) ([]Entry, error) {
	return s.store.EntriesByClient(ctx, clientID)
}

// BalanceOf returns the client's balance through the cache when one is set.
// An unknown client is a *NotFoundError, not a zero balance.
func (s *Service) BalanceOf(ctx context.Context, clientID ClientID) (Balance, error) {
	exists, err := s.store.LockClient(ctx, clientID)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to look up client: %w", err)
	}
	if !exists {
		return Balance{}, &NotFoundError{What: "client", ID: string(clientID)}
	}
	return s.projection.BalanceOf(ctx, clientID)
}

// PossibleStatuses returns the admin creation kinds when id is nil.
func (s *Service) PossibleStatuses(ctx context.Context, id *EntryID) ([]Status, error) {
	e, err := s.optionalEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	return PossibleStatuses(e), nil
}

func (s *Service) Form(ctx context.Context, id *EntryID) (Form, error) {
	e, err := s.optionalEntry(ctx, id)
	if err != nil {
		return Form{}, err
	}
	return NewForm(e), nil
}

// Statuses lists every status with its label.
func (s *Service) Statuses() []StatusOption {
	return statusOptions(AllStatuses)
}

func (s *Service) optionalEntry(ctx context.Context, id *EntryID) (*Entry, error) {
	if id == nil {
		return nil, nil
	}
	e, err := s.store.GetEntry(ctx, *id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
