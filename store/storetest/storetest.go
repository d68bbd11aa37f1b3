// Package storetest holds the behaviour every points and clients store must
// share. Each backend's tests call Run with a constructor.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/points"
)

// Stores is one backend opened fresh for a test.
type Stores struct {
	Points  points.TxStore
	Clients clients.TxStore
}

// Run executes the shared suite. open must return empty stores.
func Run(t *testing.T, open func(t *testing.T) Stores) {
	t.Run("EntryRoundTrip", func(t *testing.T) { testEntryRoundTrip(t, open(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, open(t)) })
	t.Run("EntriesOrdered", func(t *testing.T) { testEntriesOrdered(t, open(t)) })
	t.Run("LockClient", func(t *testing.T) { testLockClient(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ClientRoundTrip", func(t *testing.T) { testClientRoundTrip(t, open(t)) })
	t.Run("ReferralCodeUnique", func(t *testing.T) { testReferralCodeUnique(t, open(t)) })
	t.Run("Children", func(t *testing.T) { testChildren(t, open(t)) })
	t.Run("ClientRollback", func(t *testing.T) { testClientRollback(t, open(t)) })
	t.Run("ConcurrentAcceptAndCancel", func(t *testing.T) { testConcurrentAcceptAndCancel(t, open(t)) })
	t.Run("ConcurrentRequestsNeverOverdraw", func(t *testing.T) { testConcurrentRequestsNeverOverdraw(t, open(t)) })
	t.Run("ConcurrentReferrerSwap", func(t *testing.T) { testConcurrentReferrerSwap(t, open(t)) })
}

var base = time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)

// NewClient returns a client with random contact data.
func NewClient(id string, referrer *clients.ID, at time.Time) clients.Client {
	return clients.Client{
		ID:           clients.ID(id),
		Name:         gofakeit.Name(),
		Email:        gofakeit.Email(),
		ReferralCode: "REF-" + id,
		ReferrerID:   referrer,
		AgentStatus:  clients.AgentNone,
		Active:       true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func seedClient(t *testing.T, s Stores, id string) {
	t.Helper()
	require.NoError(t, s.Clients.Insert(context.Background(), NewClient(id, nil, base)))
}

func insert(t *testing.T, s Stores, e points.Entry) {
	t.Helper()
	err := s.Points.WithTx(context.Background(), func(tx points.Store) error {
		return tx.InsertEntry(context.Background(), e)
	})
	require.NoError(t, err)
}

func entry(id, clientID string, value string, status points.Status, at time.Time) points.Entry {
	return points.Entry{
		ID:          points.EntryID(id),
		ClientID:    points.ClientID(clientID),
		Value:       decimal.RequireFromString(value),
		Status:      status,
		Origin:      status,
		Comment:     gofakeit.Sentence(5),
		CreatedBy:   points.ActorAdmin,
		CreatedByID: "admin-1",
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func testEntryRoundTrip(t *testing.T, s Stores) {
	ctx := context.Background()
	seedClient(t, s, "c1")

	e := entry("e1", "c1", "12.5", points.StatusRequestPartnerCert, base)
	e.CreatedBy, e.CreatedByID = points.ActorClient, "c1"
	e.PartnerID = "partner-1"
	insert(t, s, e)

	got, err := s.Points.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(decimal.RequireFromString("12.5")), "value %s", got.Value)
	assert.Equal(t, points.StatusRequestPartnerCert, got.Status)
	assert.Equal(t, points.StatusRequestPartnerCert, got.Origin)
	assert.Equal(t, "partner-1", got.PartnerID)
	assert.Empty(t, got.PartnerCertCode)
	assert.Equal(t, points.ActorClient, got.CreatedBy)
	assert.Nil(t, got.ProcessedAt)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.Points.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func testCompareAndSwap(t *testing.T, s Stores) {
	ctx := context.Background()
	seedClient(t, s, "c1")
	insert(t, s, entry("e1", "c1", "50", points.StatusRequestWithdrawal, base))

	done := base.Add(time.Hour)
	accepted := entry("e1", "c1", "50", points.StatusAccepted, base)
	accepted.Origin = points.StatusRequestWithdrawal
	accepted.ProcessedByID = "admin-2"
	accepted.ProcessedAt = &done
	accepted.UpdatedAt = done

	err := s.Points.WithTx(ctx, func(tx points.Store) error {
		return tx.UpdateEntry(ctx, accepted, points.StatusRequestWithdrawal)
	})
	require.NoError(t, err)

	cancelled := accepted
	cancelled.Status = points.StatusCancelled
	err = s.Points.WithTx(ctx, func(tx points.Store) error {
		return tx.UpdateEntry(ctx, cancelled, points.StatusRequestWithdrawal)
	})
	assert.ErrorIs(t, err, points.ErrConcurrentModification)

	got, err := s.Points.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, points.StatusAccepted, got.Status)
	assert.Equal(t, points.StatusRequestWithdrawal, got.Origin)
	assert.Equal(t, "admin-2", got.ProcessedByID)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(done))
}

func testEntriesOrdered(t *testing.T, s Stores) {
	ctx := context.Background()
	seedClient(t, s, "c1")
	seedClient(t, s, "c2")

	insert(t, s, entry("e3", "c1", "3", points.StatusAddedByAdmin, base.Add(3*time.Minute)))
	insert(t, s, entry("e1", "c1", "1", points.StatusAddedByAdmin, base.Add(time.Minute)))
	insert(t, s, entry("e2", "c1", "2", points.StatusAddedByAdmin, base.Add(2*time.Minute)))
	insert(t, s, entry("x1", "c2", "9", points.StatusAddedByAdmin, base))

	got, err := s.Points.EntriesByClient(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, points.EntryID("e1"), got[0].ID)
	assert.Equal(t, points.EntryID("e2"), got[1].ID)
	assert.Equal(t, points.EntryID("e3"), got[2].ID)

	none, err := s.Points.EntriesByClient(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testLockClient(t *testing.T, s Stores) {
	ctx := context.Background()
	seedClient(t, s, "c1")

	err := s.Points.WithTx(ctx, func(tx points.Store) error {
		ok, err := tx.LockClient(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.LockClient(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, s Stores) {
	ctx := context.Background()
	seedClient(t, s, "c1")

	boom := errors.New("boom")
	err := s.Points.WithTx(ctx, func(tx points.Store) error {
		if err := tx.InsertEntry(ctx, entry("e1", "c1", "10", points.StatusAddedByAdmin, base)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Points.GetEntry(ctx, "e1")
	assert.ErrorIs(t, err, points.ErrNotFound)
}

// =============================================================================
// CLIENTS
// =============================================================================

func testClientRoundTrip(t *testing.T, s Stores) {
	ctx := context.Background()
	c := NewClient("c1", nil, base)
	require.NoError(t, s.Clients.Insert(ctx, c))

	got, err := s.Clients.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, c.Email, got.Email)
	assert.True(t, got.Active)
	assert.Nil(t, got.ReferrerID)

	byCode, err := s.Clients.GetByReferralCode(ctx, "REF-c1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byCode.ID)

	got.Active = false
	got.AgentStatus = clients.AgentApproved
	require.NoError(t, s.Clients.Update(ctx, got))

	got, err = s.Clients.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, clients.AgentApproved, got.AgentStatus)

	_, err = s.Clients.Get(ctx, "ghost")
	assert.ErrorIs(t, err, clients.ErrClientNotFound)
	err = s.Clients.Update(ctx, NewClient("ghost", nil, base))
	assert.ErrorIs(t, err, clients.ErrClientNotFound)
}

func testReferralCodeUnique(t *testing.T, s Stores) {
	ctx := context.Background()
	require.NoError(t, s.Clients.Insert(ctx, NewClient("c1", nil, base)))

	dup := NewClient("c2", nil, base)
	dup.ReferralCode = "REF-c1"
	assert.ErrorIs(t, s.Clients.Insert(ctx, dup), clients.ErrReferralCodeTaken)
}

func testChildren(t *testing.T, s Stores) {
	ctx := context.Background()
	root := clients.ID("root")
	require.NoError(t, s.Clients.Insert(ctx, NewClient("root", nil, base)))
	require.NoError(t, s.Clients.Insert(ctx, NewClient("b", &root, base.Add(2*time.Minute))))
	require.NoError(t, s.Clients.Insert(ctx, NewClient("a", &root, base.Add(time.Minute))))

	a := clients.ID("a")
	require.NoError(t, s.Clients.Insert(ctx, NewClient("a1", &a, base.Add(3*time.Minute))))

	children, err := s.Clients.Children(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, clients.ID("a"), children[0].ID)
	assert.Equal(t, clients.ID("b"), children[1].ID)
	require.NotNil(t, children[0].ReferrerID)
	assert.Equal(t, root, *children[0].ReferrerID)
}

func testClientRollback(t *testing.T, s Stores) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Clients.WithTx(ctx, func(tx clients.Store) error {
		if err := tx.Insert(ctx, NewClient("c1", nil, base)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Clients.Get(ctx, "c1")
	assert.ErrorIs(t, err, clients.ErrClientNotFound)
}

// =============================================================================
// RACES
// =============================================================================

var (
	raceAdmin  = points.Admin("admin-1")
	raceClient = points.Client("c1")
)

func newService(s Stores) *points.Service {
	return points.NewService(s.Points, points.Options{Logger: logging.Discard()})
}

func draft(n int64) points.Draft {
	return points.Draft{ClientID: "c1", Value: decimal.NewFromInt(n)}
}

func apply(t *testing.T, res points.Result, err error) points.Entry {
	t.Helper()
	require.NoError(t, err)
	require.True(t, res.OK(), "unexpected errors: %v", res.Errors)
	return res.Entry
}

func testConcurrentAcceptAndCancel(t *testing.T, s Stores) {
	// GIVEN: A pending withdrawal
	// WHEN: Admin accepts and client cancels at the same time
	// THEN: Exactly one wins, the other sees an invalid transition

	ctx := context.Background()
	seedClient(t, s, "c1")
	svc := newService(s)

	for i := 0; i < 20; i++ {
		res, err := svc.AddByAdmin(ctx, raceAdmin, draft(50))
		apply(t, res, err)
		res, err = svc.RequestWithdrawal(ctx, raceClient, draft(50))
		req := apply(t, res, err)

		var wg sync.WaitGroup
		results := make([]points.Result, 2)
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0], errs[0] = svc.AcceptWithdrawal(ctx, raceAdmin, req.ID)
		}()
		go func() {
			defer wg.Done()
			results[1], errs[1] = svc.CancelWithdrawal(ctx, raceClient, req.ID)
		}()
		wg.Wait()

		ok := 0
		for j, r := range results {
			require.NoError(t, errs[j])
			if r.OK() {
				ok++
			} else {
				assert.True(t, r.Errors.Has(points.KindInvalidTransition), "round %d: %v", i, r.Errors)
			}
		}
		assert.Equal(t, 1, ok, "round %d", i)

		final, err := svc.Entry(ctx, req.ID)
		require.NoError(t, err)
		assert.True(t, final.Status.IsTerminal())

		b, err := svc.BalanceOf(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, b.Held.IsZero(), "round %d leaves nothing held", i)
	}
}

func testConcurrentRequestsNeverOverdraw(t *testing.T, s Stores) {
	// GIVEN: 100 points
	// WHEN: 10 withdrawals of 30 race
	// THEN: Exactly 3 are admitted and Available never goes negative

	ctx := context.Background()
	seedClient(t, s, "c1")
	svc := newService(s)
	res, err := svc.AddByAdmin(ctx, raceAdmin, draft(100))
	apply(t, res, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		failures []error
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.RequestWithdrawal(ctx, raceClient, draft(30))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if res.OK() {
				admitted++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, 3, admitted)
	b, err := svc.BalanceOf(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, b.Available().IsNegative())
	assert.Equal(t, "10", b.Available().String())
}

func testConcurrentReferrerSwap(t *testing.T, s Stores) {
	// GIVEN: Two unrelated clients a and b
	// WHEN: a is moved under b while b is moved under a
	// THEN: At most one move lands and the tree has no cycle

	ctx := context.Background()
	dir := clients.NewDirectory(s.Clients, clients.Options{Logger: logging.Discard()})

	for i := 0; i < 10; i++ {
		a, b := clients.ID(fmt.Sprintf("a%d", i)), clients.ID(fmt.Sprintf("b%d", i))
		require.NoError(t, s.Clients.Insert(ctx, NewClient(string(a), nil, base)))
		require.NoError(t, s.Clients.Insert(ctx, NewClient(string(b), nil, base)))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = dir.SetReferrer(ctx, a, &b)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = dir.SetReferrer(ctx, b, &a)
		}()
		wg.Wait()

		moved := 0
		for _, err := range errs {
			if err == nil {
				moved++
			}
		}
		assert.LessOrEqual(t, moved, 1, "round %d: %v", i, errs)

		ca, err := s.Clients.Get(ctx, a)
		require.NoError(t, err)
		cb, err := s.Clients.Get(ctx, b)
		require.NoError(t, err)
		assert.False(t, ca.ReferrerID != nil && cb.ReferrerID != nil, "round %d: a and b refer to each other", i)
	}
}
