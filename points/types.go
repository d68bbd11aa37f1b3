/*
Package points implements the loyalty points ledger: entries, the status
state machine that moves them between pending and terminal states, the
service that applies those decisions against a store, and the balance
projection derived from the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: one ledger row, either a direct admin change or a pending request
  - Status: where an entry currently is in its lifecycle
  - Origin: the status an entry was created with, kept for audit after it
    becomes ACCEPTED or CANCELLED
  - Actor: who is performing an operation (client or admin)

DESIGN PRINCIPLES:
  1. Balance is never stored. It is replayed from entries (see balance.go).
  2. Values are magnitudes. The sign of an entry's effect comes from its
     origin, never from the stored number.
  3. Precision: values use decimal.Decimal.
  4. Entries are never deleted. A withdrawn request stays as CANCELLED.

SEE ALSO:
  - machine.go: Transition rules
  - service.go: Orchestration against the store
  - store.go: Persistence interfaces
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type ClientID string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusAddedByAdmin       Status = "added_by_admin"
	StatusAddedByAdminCert   Status = "added_by_admin_partner_cert"
	StatusSavedByAdminCert   Status = "saved_by_admin_not_approved_cert"
	StatusSubtractedByAdmin  Status = "subtracted_by_admin"
	StatusRequestWithdrawal  Status = "request_withdrawal"
	StatusRequestPartnerCert Status = "request_partner_cert"
	StatusAccepted           Status = "accepted"
	StatusCancelled          Status = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusAddedByAdmin,
	StatusAddedByAdminCert,
	StatusSavedByAdminCert,
	StatusSubtractedByAdmin,
	StatusRequestWithdrawal,
	StatusRequestPartnerCert,
	StatusAccepted,
	StatusCancelled,
}

var statusLabels = map[Status]string{
	StatusAddedByAdmin:       "Added by admin",
	StatusAddedByAdminCert:   "Added by admin (partner certificate)",
	StatusSavedByAdminCert:   "Saved by admin, certificate not approved",
	StatusSubtractedByAdmin:  "Subtracted by admin",
	StatusRequestWithdrawal:  "Withdrawal requested",
	StatusRequestPartnerCert: "Partner certificate requested",
	StatusAccepted:           "Accepted",
	StatusCancelled:          "Cancelled",
}

// Label returns the human readable name of the status.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// IsPending reports whether an entry in this status still awaits a decision.
func (s Status) IsPending() bool {
	switch s {
	case StatusRequestWithdrawal, StatusRequestPartnerCert, StatusSavedByAdminCert:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusCancelled
}

// IsCertificate reports whether entries created with this status carry
// partner certificate fields.
func (s Status) IsCertificate() bool {
	switch s {
	case StatusAddedByAdminCert, StatusSavedByAdminCert, StatusRequestPartnerCert:
		return true
	}
	return false
}

// =============================================================================
// ACTOR
// =============================================================================

type ActorKind string

const (
	ActorClient ActorKind = "client"
	ActorAdmin  ActorKind = "admin"
)

// Actor identifies who performs an operation. The authorization decision has
// already been made by the caller; the ledger only uses the kind for its
// admin-only gates and records the id for audit.
type Actor struct {
	ID   string
	Kind ActorKind
}

func Admin(id string) Actor           { return Actor{ID: id, Kind: ActorAdmin} }
func Client(id ClientID) Actor        { return Actor{ID: string(id), Kind: ActorClient} }
func (a Actor) IsAdmin() bool         { return a.Kind == ActorAdmin }
func (a Actor) Owns(id ClientID) bool { return a.Kind == ActorClient && a.ID == string(id) }
func (a Actor) String() string        { return string(a.Kind) + ":" + a.ID }

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one ledger record.
type Entry struct {
	ID       EntryID
	ClientID ClientID

	// Value is always positive. Whether it credits or debits the client is
	// decided by Origin (see Effect).
	Value decimal.Decimal

	Status Status
	Origin Status

	Comment         string
	PartnerID       string
	PartnerCertCode string

	CreatedBy     ActorKind
	CreatedByID   string
	ProcessedByID string
	ProcessedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Draft carries the caller supplied fields of a new entry.
type Draft struct {
	ClientID        ClientID
	Value           decimal.Decimal
	Comment         string
	PartnerID       string
	PartnerCertCode string
}

func (d Draft) hasCertificateFields() bool {
	return d.PartnerID != "" || d.PartnerCertCode != ""
}

// Patch is an admin edit of an existing entry. Nil fields are left alone.
type Patch struct {
	Comment         *string
	PartnerCertCode *string
}
