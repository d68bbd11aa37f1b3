package points_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/points"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin   = points.Admin("admin-1")
	alice   = points.Client("client-alice")
	bob     = points.Client("client-bob")
	testNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
)

func pts(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func balanceOf(credited, debited, held int64) points.Balance {
	return points.Balance{
		ClientID: points.ClientID(alice.ID),
		Credited: pts(credited),
		Debited:  pts(debited),
		Held:     pts(held),
	}
}

func draft(n int64) points.Draft {
	return points.Draft{ClientID: points.ClientID(alice.ID), Value: pts(n)}
}

func pending(status points.Status, n int64) points.Entry {
	return points.Entry{
		ID:       "entry-1",
		ClientID: points.ClientID(alice.ID),
		Value:    pts(n),
		Status:   status,
		Origin:   status,
	}
}

// =============================================================================
// EFFECTS
// =============================================================================

func TestEffectOf(t *testing.T) {
	tests := []struct {
		name   string
		status points.Status
		origin points.Status
		want   points.Effect
	}{
		{"admin credit", points.StatusAddedByAdmin, points.StatusAddedByAdmin, points.Effect{Credit: pts(10)}},
		{"admin certificate credit", points.StatusAddedByAdminCert, points.StatusAddedByAdminCert, points.Effect{Credit: pts(10)}},
		{"saved certificate not yet counted", points.StatusSavedByAdminCert, points.StatusSavedByAdminCert, points.Effect{}},
		{"accepted saved certificate", points.StatusAccepted, points.StatusSavedByAdminCert, points.Effect{Credit: pts(10)}},
		{"admin debit", points.StatusSubtractedByAdmin, points.StatusSubtractedByAdmin, points.Effect{Debit: pts(10)}},
		{"pending withdrawal", points.StatusRequestWithdrawal, points.StatusRequestWithdrawal, points.Effect{Held: pts(10)}},
		{"pending certificate request", points.StatusRequestPartnerCert, points.StatusRequestPartnerCert, points.Effect{Held: pts(10)}},
		{"accepted withdrawal", points.StatusAccepted, points.StatusRequestWithdrawal, points.Effect{Debit: pts(10)}},
		{"accepted certificate request", points.StatusAccepted, points.StatusRequestPartnerCert, points.Effect{Debit: pts(10)}},
		{"cancelled withdrawal", points.StatusCancelled, points.StatusRequestWithdrawal, points.Effect{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := points.EffectOf(points.Entry{Value: pts(10), Status: tt.status, Origin: tt.origin})
			assert.True(t, tt.want.Credit.Equal(got.Credit), "credit: want %s got %s", tt.want.Credit, got.Credit)
			assert.True(t, tt.want.Debit.Equal(got.Debit), "debit: want %s got %s", tt.want.Debit, got.Debit)
			assert.True(t, tt.want.Held.Equal(got.Held), "held: want %s got %s", tt.want.Held, got.Held)
		})
	}
}

func TestComputeBalance_IgnoresOtherClients(t *testing.T) {
	entries := []points.Entry{
		{ClientID: "client-alice", Value: pts(100), Status: points.StatusAddedByAdmin, Origin: points.StatusAddedByAdmin},
		{ClientID: "client-bob", Value: pts(500), Status: points.StatusAddedByAdmin, Origin: points.StatusAddedByAdmin},
		{ClientID: "client-alice", Value: pts(30), Status: points.StatusRequestWithdrawal, Origin: points.StatusRequestWithdrawal},
	}

	b := points.ComputeBalance("client-alice", entries)

	assert.Equal(t, "100", b.Current().String())
	assert.Equal(t, "70", b.Available().String())
}

// =============================================================================
// CREATION
// =============================================================================

func TestAddByAdmin(t *testing.T) {
	t.Run("plain credit", func(t *testing.T) {
		e, err := points.AddByAdmin(admin, draft(100), testNow)
		require.NoError(t, err)
		assert.Equal(t, points.StatusAddedByAdmin, e.Status)
		assert.Equal(t, points.StatusAddedByAdmin, e.Origin)
		assert.Equal(t, points.ActorAdmin, e.CreatedBy)
		assert.Equal(t, admin.ID, e.CreatedByID)
	})

	t.Run("certificate fields make it a certificate credit", func(t *testing.T) {
		d := draft(100)
		d.PartnerID, d.PartnerCertCode = "partner-1", "CODE-1"
		e, err := points.AddByAdmin(admin, d, testNow)
		require.NoError(t, err)
		assert.Equal(t, points.StatusAddedByAdminCert, e.Status)
	})

	t.Run("half a certificate is rejected", func(t *testing.T) {
		d := draft(100)
		d.PartnerID = "partner-1"
		_, err := points.AddByAdmin(admin, d, testNow)
		var certErr *points.CertificateError
		require.ErrorAs(t, err, &certErr)
		assert.Equal(t, "partner_cert_code", certErr.Field)
	})

	t.Run("clients cannot credit themselves", func(t *testing.T) {
		_, err := points.AddByAdmin(alice, draft(100), testNow)
		assert.ErrorIs(t, err, points.ErrForbidden)
	})

	t.Run("value must be positive", func(t *testing.T) {
		_, err := points.AddByAdmin(admin, draft(0), testNow)
		assert.ErrorIs(t, err, points.ErrInvalidValue)
		_, err = points.AddByAdmin(admin, draft(-5), testNow)
		assert.ErrorIs(t, err, points.ErrInvalidValue)
	})
}

func TestSubByAdmin_ChecksCurrentBalance(t *testing.T) {
	// GIVEN: 100 credited, 60 held by a pending withdrawal
	// WHEN: Admin subtracts 80
	// THEN: Allowed, the check is against the current balance not the available one

	bal := balanceOf(100, 0, 60)

	_, err := points.SubByAdmin(admin, draft(80), bal, testNow)
	assert.NoError(t, err)

	_, err = points.SubByAdmin(admin, draft(150), bal, testNow)
	var ib *points.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, "50", ib.Shortfall.String())
}

func TestSubByAdmin_RejectsCertificateData(t *testing.T) {
	d := draft(10)
	d.PartnerID = "partner-1"
	_, err := points.SubByAdmin(admin, d, balanceOf(100, 0, 0), testNow)
	assert.ErrorIs(t, err, points.ErrInvalidCertificateData)
}

func TestRequestWithdrawal_ChecksAvailableBalance(t *testing.T) {
	// GIVEN: 100 credited, 60 already held
	// WHEN: Client requests 50
	// THEN: Rejected, only 40 is available

	bal := balanceOf(100, 0, 60)

	_, err := points.RequestWithdrawal(alice, draft(50), bal, testNow)
	assert.ErrorIs(t, err, points.ErrInsufficientBalance)

	e, err := points.RequestWithdrawal(alice, draft(40), bal, testNow)
	require.NoError(t, err)
	assert.Equal(t, points.StatusRequestWithdrawal, e.Status)
	assert.Equal(t, points.ActorClient, e.CreatedBy)
}

func TestRequestWithdrawal_OnlyTheClientItself(t *testing.T) {
	_, err := points.RequestWithdrawal(bob, draft(10), balanceOf(100, 0, 0), testNow)
	assert.ErrorIs(t, err, points.ErrForbidden)

	_, err = points.RequestWithdrawal(admin, draft(10), balanceOf(100, 0, 0), testNow)
	assert.ErrorIs(t, err, points.ErrForbidden)
}

func TestRequestPartnerCert_NeedsPartner(t *testing.T) {
	_, err := points.RequestPartnerCert(alice, draft(10), balanceOf(100, 0, 0), testNow)
	assert.ErrorIs(t, err, points.ErrInvalidCertificateData)

	d := draft(10)
	d.PartnerID = "partner-1"
	e, err := points.RequestPartnerCert(alice, d, balanceOf(100, 0, 0), testNow)
	require.NoError(t, err)
	assert.Empty(t, e.PartnerCertCode, "code is filled in by an admin later")
}

func TestCreate_ExplicitCertificateCredit(t *testing.T) {
	// GIVEN: An admin creating an added_by_admin_partner_cert entry
	// WHEN: The certificate fields are missing, partial, then complete
	// THEN: Missing data is rejected rather than booked as a plain credit

	bal := balanceOf(0, 0, 0)

	_, err := points.Create(points.StatusAddedByAdminCert, admin, draft(40), bal, testNow)
	assert.ErrorIs(t, err, points.ErrInvalidCertificateData)
	var certErr *points.CertificateError
	require.ErrorAs(t, err, &certErr)
	assert.Equal(t, "partner_id", certErr.Field)

	d := draft(40)
	d.PartnerID = "partner-1"
	_, err = points.Create(points.StatusAddedByAdminCert, admin, d, bal, testNow)
	require.ErrorAs(t, err, &certErr)
	assert.Equal(t, "partner_cert_code", certErr.Field)

	d.PartnerCertCode = "CODE-1"
	e, err := points.Create(points.StatusAddedByAdminCert, admin, d, bal, testNow)
	require.NoError(t, err)
	assert.Equal(t, points.StatusAddedByAdminCert, e.Status)
	assert.Equal(t, points.StatusAddedByAdminCert, e.Origin)

	_, err = points.Create(points.StatusAddedByAdminCert, alice, d, bal, testNow)
	assert.ErrorIs(t, err, points.ErrForbidden, "actor is checked before certificate data")

	plain, err := points.Create(points.StatusAddedByAdmin, admin, draft(40), bal, testNow)
	require.NoError(t, err)
	assert.Equal(t, points.StatusAddedByAdmin, plain.Status)
}

func TestCreate_UnknownKind(t *testing.T) {
	_, err := points.Create(points.StatusAccepted, admin, draft(10), balanceOf(100, 0, 0), testNow)
	assert.ErrorIs(t, err, points.ErrInvalidTransition)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestAcceptWithdrawal(t *testing.T) {
	e := pending(points.StatusRequestWithdrawal, 50)

	next, err := points.AcceptWithdrawal(admin, e, balanceOf(100, 0, 50), testNow)
	require.NoError(t, err)
	assert.Equal(t, points.StatusAccepted, next.Status)
	assert.Equal(t, points.StatusRequestWithdrawal, next.Origin)
	assert.Equal(t, admin.ID, next.ProcessedByID)
	require.NotNil(t, next.ProcessedAt)
	assert.True(t, next.ProcessedAt.Equal(testNow))
}

func TestAcceptWithdrawal_Rules(t *testing.T) {
	t.Run("client cannot accept", func(t *testing.T) {
		_, err := points.AcceptWithdrawal(alice, pending(points.StatusRequestWithdrawal, 50), balanceOf(100, 0, 50), testNow)
		assert.ErrorIs(t, err, points.ErrForbidden)
	})

	t.Run("second accept is a transition error", func(t *testing.T) {
		e := pending(points.StatusAccepted, 50)
		e.Origin = points.StatusRequestWithdrawal
		_, err := points.AcceptWithdrawal(admin, e, balanceOf(100, 50, 0), testNow)
		var te *points.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, points.StatusAccepted, te.From)
	})

	t.Run("balance dropped below the request", func(t *testing.T) {
		_, err := points.AcceptWithdrawal(admin, pending(points.StatusRequestWithdrawal, 50), balanceOf(100, 80, 50), testNow)
		assert.ErrorIs(t, err, points.ErrInsufficientBalance)
	})
}

func TestAcceptPartnerCert(t *testing.T) {
	t.Run("client request needs a code", func(t *testing.T) {
		e := pending(points.StatusRequestPartnerCert, 30)
		e.PartnerID = "partner-1"
		_, err := points.AcceptPartnerCert(admin, e, balanceOf(100, 0, 30), testNow)
		assert.ErrorIs(t, err, points.ErrInvalidCertificateData)

		e.PartnerCertCode = "CODE-9"
		next, err := points.AcceptPartnerCert(admin, e, balanceOf(100, 0, 30), testNow)
		require.NoError(t, err)
		assert.Equal(t, points.StatusAccepted, next.Status)
	})

	t.Run("saved certificate needs no balance", func(t *testing.T) {
		e := pending(points.StatusSavedByAdminCert, 500)
		e.PartnerID, e.PartnerCertCode = "partner-1", "CODE-1"
		next, err := points.AcceptPartnerCert(admin, e, balanceOf(0, 0, 0), testNow)
		require.NoError(t, err)
		assert.True(t, points.EffectOf(next).Credit.Equal(pts(500)))
	})

	t.Run("withdrawal is not a certificate", func(t *testing.T) {
		_, err := points.AcceptPartnerCert(admin, pending(points.StatusRequestWithdrawal, 10), balanceOf(100, 0, 10), testNow)
		assert.ErrorIs(t, err, points.ErrInvalidTransition)
	})
}

func TestCancelWithdrawal(t *testing.T) {
	e := pending(points.StatusRequestWithdrawal, 50)

	t.Run("owner may cancel", func(t *testing.T) {
		next, err := points.CancelWithdrawal(alice, e, testNow)
		require.NoError(t, err)
		assert.Equal(t, points.StatusCancelled, next.Status)
		assert.True(t, points.EffectOf(next).Held.IsZero())
	})

	t.Run("admin may cancel", func(t *testing.T) {
		_, err := points.CancelWithdrawal(admin, e, testNow)
		assert.NoError(t, err)
	})

	t.Run("other client may not", func(t *testing.T) {
		_, err := points.CancelWithdrawal(bob, e, testNow)
		assert.ErrorIs(t, err, points.ErrForbidden)
	})

	t.Run("accepted withdrawal cannot be cancelled", func(t *testing.T) {
		done := e
		done.Status = points.StatusAccepted
		_, err := points.CancelWithdrawal(admin, done, testNow)
		assert.ErrorIs(t, err, points.ErrInvalidTransition)
	})
}

func TestCancelPartnerCert_AdminOnly(t *testing.T) {
	e := pending(points.StatusRequestPartnerCert, 20)

	_, err := points.CancelPartnerCert(alice, e, testNow)
	assert.ErrorIs(t, err, points.ErrForbidden)

	next, err := points.CancelPartnerCert(admin, e, testNow)
	require.NoError(t, err)
	assert.Equal(t, points.StatusCancelled, next.Status)
}

func TestAcceptAndCancel_Dispatch(t *testing.T) {
	_, err := points.Accept(admin, pending(points.StatusAddedByAdmin, 10), balanceOf(10, 0, 0), testNow)
	assert.ErrorIs(t, err, points.ErrInvalidTransition)

	_, err = points.Cancel(admin, pending(points.StatusSavedByAdminCert, 10), testNow)
	assert.ErrorIs(t, err, points.ErrInvalidTransition, "saved certificates are accepted, never cancelled")

	next, err := points.Cancel(alice, pending(points.StatusRequestWithdrawal, 10), testNow)
	require.NoError(t, err)
	assert.Equal(t, points.StatusCancelled, next.Status)
}

// =============================================================================
// EDITS
// =============================================================================

func TestApplyPatch(t *testing.T) {
	code := "CODE-42"
	comment := "checked by phone"

	t.Run("code editable while certificate is pending", func(t *testing.T) {
		e := pending(points.StatusRequestPartnerCert, 20)
		next, err := points.ApplyPatch(admin, e, points.Patch{PartnerCertCode: &code, Comment: &comment}, testNow)
		require.NoError(t, err)
		assert.Equal(t, code, next.PartnerCertCode)
		assert.Equal(t, comment, next.Comment)
		assert.Equal(t, e.Status, next.Status)
		assert.True(t, e.Value.Equal(next.Value))
	})

	t.Run("code frozen once accepted", func(t *testing.T) {
		e := pending(points.StatusAccepted, 20)
		e.Origin = points.StatusRequestPartnerCert
		_, err := points.ApplyPatch(admin, e, points.Patch{PartnerCertCode: &code}, testNow)
		assert.ErrorIs(t, err, points.ErrInvalidCertificateData)

		next, err := points.ApplyPatch(admin, e, points.Patch{Comment: &comment}, testNow)
		require.NoError(t, err)
		assert.Equal(t, comment, next.Comment)
	})

	t.Run("clients cannot edit", func(t *testing.T) {
		_, err := points.ApplyPatch(alice, pending(points.StatusRequestWithdrawal, 5), points.Patch{Comment: &comment}, testNow)
		assert.ErrorIs(t, err, points.ErrForbidden)
	})
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func TestClassify(t *testing.T) {
	list, ok := points.Classify(&points.TransitionError{EntryID: "e", Op: "accept", From: points.StatusCancelled})
	require.True(t, ok)
	assert.True(t, list.Has(points.KindInvalidTransition))

	list, ok = points.Classify(points.ErrConcurrentModification)
	require.True(t, ok)
	assert.True(t, list.Has(points.KindInvalidTransition))

	_, ok = points.Classify(errors.New("disk full"))
	assert.False(t, ok, "store failures are not domain errors")
}
