package points_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestService(t *testing.T, opts points.Options) (*points.Service, *memory.Memory) {
	t.Helper()
	store := memory.New()
	for _, id := range []string{alice.ID, bob.ID} {
		registerClient(t, store, clients.ID(id))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return points.NewService(store, opts), store
}

func registerClient(t *testing.T, store *memory.Memory, id clients.ID) {
	t.Helper()
	err := store.Clients().Insert(context.Background(), clients.Client{
		ID:           id,
		Name:         gofakeit.Name(),
		Email:        gofakeit.Email(),
		ReferralCode: gofakeit.LetterN(8) + string(id),
		AgentStatus:  clients.AgentNone,
		Active:       true,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	})
	require.NoError(t, err)
}

func aliceDraft(n int64) points.Draft {
	return points.Draft{ClientID: points.ClientID(alice.ID), Value: pts(n)}
}

// mustApply is called as mustApply(t)(svc.Op(...)) so the service's two
// return values can be passed straight through.
func mustApply(t *testing.T) func(points.Result, error) points.Entry {
	t.Helper()
	return func(res points.Result, err error) points.Entry {
		t.Helper()
		require.NoError(t, err)
		require.True(t, res.OK(), "unexpected errors: %v", res.Errors)
		return res.Entry
	}
}

func mustBalance(t *testing.T, svc *points.Service, id points.ClientID) points.Balance {
	t.Helper()
	b, err := svc.BalanceOf(context.Background(), id)
	require.NoError(t, err)
	return b
}

// =============================================================================
// LEDGER SCENARIOS
// =============================================================================

func TestService_SubtractMoreThanBalance(t *testing.T) {
	// GIVEN: Client has 100 points
	// WHEN: Admin subtracts 150
	// THEN: Rejected with insufficient balance, balance still 100

	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))

	res, err := svc.SubByAdmin(ctx, admin, aliceDraft(150))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.True(t, res.Errors.Has(points.KindInsufficientBalance))

	assert.Equal(t, "100", mustBalance(t, svc, "client-alice").Current().String())
}

func TestService_WithdrawalLifecycle(t *testing.T) {
	// GIVEN: Client has 100 points
	// WHEN: Client requests 50, admin accepts, then someone tries to cancel
	// THEN: Held while pending, debited once accepted, cancel rejected

	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))
	req := mustApply(t)(svc.RequestWithdrawal(ctx, alice, aliceDraft(50)))

	b := mustBalance(t, svc, "client-alice")
	assert.Equal(t, "100", b.Current().String())
	assert.Equal(t, "50", b.Available().String())

	accepted := mustApply(t)(svc.AcceptWithdrawal(ctx, admin, req.ID))
	assert.Equal(t, points.StatusAccepted, accepted.Status)

	b = mustBalance(t, svc, "client-alice")
	assert.Equal(t, "50", b.Current().String())
	assert.Equal(t, "50", b.Available().String())

	res, err := svc.CancelWithdrawal(ctx, alice, req.ID)
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindInvalidTransition))
	assert.Equal(t, "50", mustBalance(t, svc, "client-alice").Current().String())
}

func TestService_DoubleAcceptDebitsOnce(t *testing.T) {
	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))
	req := mustApply(t)(svc.RequestWithdrawal(ctx, alice, aliceDraft(40)))
	mustApply(t)(svc.AcceptWithdrawal(ctx, admin, req.ID))

	res, err := svc.AcceptWithdrawal(ctx, admin, req.ID)
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindInvalidTransition))

	b := mustBalance(t, svc, "client-alice")
	assert.Equal(t, "60", b.Current().String())
	assert.True(t, b.Held.IsZero())
}

func TestService_CancelledWithdrawalReleasesHold(t *testing.T) {
	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))
	req := mustApply(t)(svc.RequestWithdrawal(ctx, alice, aliceDraft(80)))

	// Only 20 left to request while 80 is held
	res, err := svc.RequestWithdrawal(ctx, alice, aliceDraft(30))
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindInsufficientBalance))

	mustApply(t)(svc.CancelWithdrawal(ctx, alice, req.ID))

	b := mustBalance(t, svc, "client-alice")
	assert.Equal(t, "100", b.Available().String())
	mustApply(t)(svc.RequestWithdrawal(ctx, alice, aliceDraft(30)))
}

func TestService_SavedCertificateCreditsOnce(t *testing.T) {
	// GIVEN: Admin saves a 200 point certificate without its code
	// WHEN: Admin accepts before and after filling in the code, then again
	// THEN: First accept rejected, second credits 200, third rejected

	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	d := aliceDraft(200)
	d.PartnerID = "partner-spa"
	saved := mustApply(t)(svc.SaveByAdmin(ctx, admin, d))
	assert.True(t, mustBalance(t, svc, "client-alice").Current().IsZero())

	res, err := svc.AcceptPartnerCert(ctx, admin, saved.ID)
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindInvalidCertificateData))

	code := "SPA-2025-001"
	mustApply(t)(svc.UpdateEntry(ctx, admin, saved.ID, points.Patch{PartnerCertCode: &code}))
	mustApply(t)(svc.AcceptPartnerCert(ctx, admin, saved.ID))
	assert.Equal(t, "200", mustBalance(t, svc, "client-alice").Current().String())

	res, err = svc.AcceptEntry(ctx, admin, saved.ID)
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindInvalidTransition))
	assert.Equal(t, "200", mustBalance(t, svc, "client-alice").Current().String())
}

func TestService_PartnerCertRequest(t *testing.T) {
	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))
	d := aliceDraft(60)
	d.PartnerID = "partner-gym"
	req := mustApply(t)(svc.RequestPartnerCert(ctx, alice, d))

	code := "GYM-7"
	mustApply(t)(svc.UpdateEntry(ctx, admin, req.ID, points.Patch{PartnerCertCode: &code}))
	done := mustApply(t)(svc.AcceptEntry(ctx, admin, req.ID))

	assert.Equal(t, points.StatusAccepted, done.Status)
	assert.Equal(t, points.StatusRequestPartnerCert, done.Origin)
	assert.Equal(t, "40", mustBalance(t, svc, "client-alice").Current().String())

	res, err := svc.UpdateEntry(ctx, admin, req.ID, points.Patch{PartnerCertCode: &code})
	require.NoError(t, err)
	assert.True(t, res.OK(), "unchanged code is not an edit")

	other := "GYM-8"
	res, err = svc.UpdateEntry(ctx, admin, req.ID, points.Patch{PartnerCertCode: &other})
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindInvalidCertificateData))
}

func TestService_UnknownClientAndEntry(t *testing.T) {
	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	res, err := svc.AddByAdmin(ctx, admin, points.Draft{ClientID: "ghost", Value: pts(10)})
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindNotFound))

	res, err = svc.AcceptEntry(ctx, admin, "missing")
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindNotFound))

	_, err = svc.Entry(ctx, "missing")
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestService_BalanceOfUnknownClient(t *testing.T) {
	// GIVEN: No client named ghost
	// WHEN: Its balance is read, with and without a cache in front
	// THEN: Not found, not a zero balance

	for _, opts := range []points.Options{{}, {Cache: newFakeCache()}} {
		svc, _ := newTestService(t, opts)

		_, err := svc.BalanceOf(context.Background(), "ghost")
		require.Error(t, err)
		assert.ErrorIs(t, err, points.ErrNotFound)

		var nf *points.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "client", nf.What)
	}
}

func TestService_ClientCannotTouchOthers(t *testing.T) {
	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))
	req := mustApply(t)(svc.RequestWithdrawal(ctx, alice, aliceDraft(10)))

	res, err := svc.CancelWithdrawal(ctx, bob, req.ID)
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindForbidden))

	res, err = svc.RequestWithdrawal(ctx, bob, aliceDraft(10))
	require.NoError(t, err)
	assert.True(t, res.Errors.Has(points.KindForbidden))
}

func TestService_HistoryIsOrdered(t *testing.T) {
	clock := testNow
	svc, _ := newTestService(t, points.Options{Now: func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}})
	ctx := context.Background()

	first := mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(10)))
	second := mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(20)))
	third := mustApply(t)(svc.SubByAdmin(ctx, admin, aliceDraft(5)))

	entries, err := svc.Entries(ctx, "client-alice")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []points.EntryID{first.ID, second.ID, third.ID},
		[]points.EntryID{entries[0].ID, entries[1].ID, entries[2].ID})
}

// =============================================================================
// SESSION
// =============================================================================

func TestSession_GetErrors(t *testing.T) {
	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	adminSession := svc.Session(admin)
	ok, err := adminSession.AddByAdmin(ctx, aliceDraft(100))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, adminSession.GetErrors())

	ok, err = adminSession.SubByAdmin(ctx, aliceDraft(150))
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, adminSession.GetErrors(), 1)
	assert.Equal(t, points.KindInsufficientBalance, adminSession.GetErrors()[0].Kind)

	// The next success clears the previous failure
	ok, err = adminSession.SubByAdmin(ctx, aliceDraft(40))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, adminSession.GetErrors())
	assert.Equal(t, points.StatusSubtractedByAdmin, adminSession.Entry().Status)

	clientSession := svc.Session(alice)
	ok, err = clientSession.RequestWithdrawal(ctx, aliceDraft(60))
	require.NoError(t, err)
	assert.True(t, ok)
	id := clientSession.Entry().ID

	ok, err = clientSession.AcceptWithdrawal(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, clientSession.GetErrors().Has(points.KindForbidden))

	ok, err = clientSession.CancelWithdrawal(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// FORM
// =============================================================================

func TestService_Form(t *testing.T) {
	svc, _ := newTestService(t, points.Options{})
	ctx := context.Background()

	blank, err := svc.Form(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, blank.Entry)
	assert.Len(t, blank.Statuses, 4)
	assert.True(t, blank.Editable[points.FieldValue])

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))
	req := mustApply(t)(svc.RequestWithdrawal(ctx, alice, aliceDraft(10)))

	statuses, err := svc.PossibleStatuses(ctx, &req.ID)
	require.NoError(t, err)
	assert.Equal(t, []points.Status{points.StatusRequestWithdrawal, points.StatusAccepted, points.StatusCancelled}, statuses)

	form, err := svc.Form(ctx, &req.ID)
	require.NoError(t, err)
	assert.False(t, form.Editable[points.FieldValue])
	assert.True(t, form.Editable[points.FieldComment])
	assert.False(t, form.Visible[points.FieldPartnerCertCode])

	missing := points.EntryID("missing")
	_, err = svc.Form(ctx, &missing)
	assert.ErrorIs(t, err, points.ErrNotFound)

	assert.Len(t, svc.Statuses(), len(points.AllStatuses))
}

// =============================================================================
// CACHE AND METRICS HOOKS
// =============================================================================

type fakeCache struct {
	mu     sync.Mutex
	gens   map[points.ClientID]int64
	values map[string]points.Balance
	fail   bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{gens: map[points.ClientID]int64{}, values: map[string]points.Balance{}}
}

func (c *fakeCache) Lookup(_ context.Context, id points.ClientID) (points.Balance, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return points.Balance{}, 0, false, errors.New("cache down")
	}
	gen := c.gens[id]
	b, ok := c.values[fmt.Sprintf("%s:%d", id, gen)]
	return b, gen, ok, nil
}

func (c *fakeCache) Store(_ context.Context, gen int64, b points.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[fmt.Sprintf("%s:%d", b.ClientID, gen)] = b
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id points.ClientID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	c.gens[id]++
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	hits     int
	misses   int
}

func (r *countingRecorder) ObserveOperation(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) ObserveCache(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func TestService_CacheInvalidatedOnWrite(t *testing.T) {
	cache := newFakeCache()
	rec := &countingRecorder{}
	svc, _ := newTestService(t, points.Options{Cache: cache, Recorder: rec})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))
	assert.Equal(t, "100", mustBalance(t, svc, "client-alice").Current().String())
	assert.Equal(t, "100", mustBalance(t, svc, "client-alice").Current().String())
	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)

	mustApply(t)(svc.SubByAdmin(ctx, admin, aliceDraft(30)))
	assert.Equal(t, "70", mustBalance(t, svc, "client-alice").Current().String(), "stale cached balance served")

	res, err := svc.SubByAdmin(ctx, admin, aliceDraft(500))
	require.NoError(t, err)
	require.False(t, res.OK())
	assert.Equal(t, 2, rec.outcomes[points.OutcomeOK])
	assert.Equal(t, 1, rec.outcomes[points.OutcomeRejected])
}

func TestService_CacheFailureFailsWriteButNotRead(t *testing.T) {
	cache := newFakeCache()
	svc, store := newTestService(t, points.Options{Cache: cache})
	ctx := context.Background()

	mustApply(t)(svc.AddByAdmin(ctx, admin, aliceDraft(100)))

	cache.mu.Lock()
	cache.fail = true
	cache.mu.Unlock()

	// Reads fall back to the ledger
	assert.Equal(t, "100", mustBalance(t, svc, "client-alice").Current().String())

	// A write whose invalidation cannot happen is rolled back
	_, err := svc.AddByAdmin(ctx, admin, aliceDraft(50))
	assert.Error(t, err)

	entries, err := store.EntriesByClient(ctx, "client-alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// STORE FAILURES
// =============================================================================

type failingStore struct {
	*memory.Memory
}

func (f failingStore) WithTx(ctx context.Context, fn func(points.Store) error) error {
	return errors.New("connection reset")
}

func TestService_StoreErrorsAreReturned(t *testing.T) {
	svc := points.NewService(failingStore{memory.New()}, points.Options{Logger: logging.Discard()})

	res, err := svc.AddByAdmin(context.Background(), admin, aliceDraft(10))
	assert.Error(t, err)
	assert.Empty(t, res.Errors, "store failures are not reported as domain errors")
}
