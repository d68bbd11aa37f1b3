/*
machine.go - Status state machine

PURPOSE:
  Pure decision logic. Given an entry (or a draft), the acting user and the
  client's current balance, each function returns the entry's next state or
  a domain error. Nothing here touches storage; service.go applies the
  result.

STATE DIAGRAM:
  admin creates:
    added_by_admin               (credit, final)
    added_by_admin_partner_cert  (credit, final)
    subtracted_by_admin          (debit, final, needs balance)
    saved_by_admin_not_approved_cert ──accept──▶ accepted (credit)

  client creates:
    request_withdrawal   ──accept──▶ accepted (debit, needs balance)
                         ──cancel──▶ cancelled
    request_partner_cert ──accept──▶ accepted (debit, needs balance + code)
                         ──cancel──▶ cancelled

  Pending client requests hold their value out of Available until decided.

GATES:
  - Admin creations, every accept and certificate cancels: admin only.
  - Client requests: only the client itself.
  - Withdrawal cancel: admin or the owning client.

EDGE POLICY:
  Any transition from the wrong status fails with a TransitionError. A second
  accept or cancel is therefore rejected and has no balance effect.
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EFFECT - Contribution of one entry to its client's balance
// =============================================================================

type Effect struct {
	Credit decimal.Decimal
	Debit  decimal.Decimal
	Held   decimal.Decimal
}

// EffectOf is the single source of truth for how an entry counts.
func EffectOf(e Entry) Effect {
	eff := Effect{Credit: decimal.Zero, Debit: decimal.Zero, Held: decimal.Zero}
	switch e.Status {
	case StatusAddedByAdmin, StatusAddedByAdminCert:
		eff.Credit = e.Value
	case StatusSubtractedByAdmin:
		eff.Debit = e.Value
	case StatusRequestWithdrawal, StatusRequestPartnerCert:
		eff.Held = e.Value
	case StatusAccepted:
		switch e.Origin {
		case StatusSavedByAdminCert:
			eff.Credit = e.Value
		case StatusRequestWithdrawal, StatusRequestPartnerCert:
			eff.Debit = e.Value
		}
	}
	return eff
}

// =============================================================================
// CREATION
// =============================================================================

// Create dispatches a new entry of the given kind.
func Create(kind Status, actor Actor, d Draft, bal Balance, now time.Time) (Entry, error) {
	switch kind {
	case StatusAddedByAdmin:
		return AddByAdmin(actor, d, now)
	case StatusAddedByAdminCert:
		return AddByAdminCert(actor, d, now)
	case StatusSavedByAdminCert:
		return SaveByAdmin(actor, d, now)
	case StatusSubtractedByAdmin:
		return SubByAdmin(actor, d, bal, now)
	case StatusRequestWithdrawal:
		return RequestWithdrawal(actor, d, bal, now)
	case StatusRequestPartnerCert:
		return RequestPartnerCert(actor, d, bal, now)
	}
	return Entry{}, &TransitionError{Op: "create", From: kind}
}

// AddByAdmin credits the client directly. Supplying any certificate field
// makes it a certificate credit, which then needs both fields.
func AddByAdmin(actor Actor, d Draft, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	if err := checkValue(d.Value); err != nil {
		return Entry{}, err
	}
	if d.hasCertificateFields() {
		return AddByAdminCert(actor, d, now)
	}
	return newEntry(StatusAddedByAdmin, actor, d, now), nil
}

// AddByAdminCert credits the client for a partner certificate. Both the
// partner id and the certificate code are required.
func AddByAdminCert(actor Actor, d Draft, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	if err := checkValue(d.Value); err != nil {
		return Entry{}, err
	}
	if err := requireCertificate(d.PartnerID, d.PartnerCertCode); err != nil {
		return Entry{}, err
	}
	return newEntry(StatusAddedByAdminCert, actor, d, now), nil
}

// SaveByAdmin records a certificate credit that only counts once accepted.
func SaveByAdmin(actor Actor, d Draft, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	if err := checkValue(d.Value); err != nil {
		return Entry{}, err
	}
	if d.PartnerID == "" {
		return Entry{}, &CertificateError{Field: "partner_id", Reason: "is required"}
	}
	return newEntry(StatusSavedByAdminCert, actor, d, now), nil
}

// SubByAdmin debits the client directly if the balance covers it.
func SubByAdmin(actor Actor, d Draft, bal Balance, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	if err := checkValue(d.Value); err != nil {
		return Entry{}, err
	}
	if err := rejectCertificate(d); err != nil {
		return Entry{}, err
	}
	if bal.Current().LessThan(d.Value) {
		return Entry{}, insufficient(d.ClientID, bal.Current(), d.Value)
	}
	return newEntry(StatusSubtractedByAdmin, actor, d, now), nil
}

// RequestWithdrawal is a client asking to cash out points.
func RequestWithdrawal(actor Actor, d Draft, bal Balance, now time.Time) (Entry, error) {
	if !actor.Owns(d.ClientID) {
		return Entry{}, ErrForbidden
	}
	if err := checkValue(d.Value); err != nil {
		return Entry{}, err
	}
	if err := rejectCertificate(d); err != nil {
		return Entry{}, err
	}
	if bal.Available().LessThan(d.Value) {
		return Entry{}, insufficient(d.ClientID, bal.Available(), d.Value)
	}
	return newEntry(StatusRequestWithdrawal, actor, d, now), nil
}

// RequestPartnerCert is a client asking to convert points into a partner
// certificate. The code may be filled in by an admin before acceptance.
func RequestPartnerCert(actor Actor, d Draft, bal Balance, now time.Time) (Entry, error) {
	if !actor.Owns(d.ClientID) {
		return Entry{}, ErrForbidden
	}
	if err := checkValue(d.Value); err != nil {
		return Entry{}, err
	}
	if d.PartnerID == "" {
		return Entry{}, &CertificateError{Field: "partner_id", Reason: "is required"}
	}
	if bal.Available().LessThan(d.Value) {
		return Entry{}, insufficient(d.ClientID, bal.Available(), d.Value)
	}
	return newEntry(StatusRequestPartnerCert, actor, d, now), nil
}

func newEntry(kind Status, actor Actor, d Draft, now time.Time) Entry {
	return Entry{
		ClientID:        d.ClientID,
		Value:           d.Value,
		Status:          kind,
		Origin:          kind,
		Comment:         d.Comment,
		PartnerID:       d.PartnerID,
		PartnerCertCode: d.PartnerCertCode,
		CreatedBy:       actor.Kind,
		CreatedByID:     actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Accept dispatches on the entry's current status.
func Accept(actor Actor, e Entry, bal Balance, now time.Time) (Entry, error) {
	switch e.Status {
	case StatusRequestWithdrawal:
		return AcceptWithdrawal(actor, e, bal, now)
	case StatusRequestPartnerCert, StatusSavedByAdminCert:
		return AcceptPartnerCert(actor, e, bal, now)
	}
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	return Entry{}, &TransitionError{EntryID: e.ID, Op: "accept", From: e.Status}
}

// Cancel dispatches on the entry's current status.
func Cancel(actor Actor, e Entry, now time.Time) (Entry, error) {
	switch e.Status {
	case StatusRequestWithdrawal:
		return CancelWithdrawal(actor, e, now)
	case StatusRequestPartnerCert:
		return CancelPartnerCert(actor, e, now)
	}
	if !actor.IsAdmin() && !actor.Owns(e.ClientID) {
		return Entry{}, ErrForbidden
	}
	return Entry{}, &TransitionError{EntryID: e.ID, Op: "cancel", From: e.Status}
}

func AcceptWithdrawal(actor Actor, e Entry, bal Balance, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	if e.Status != StatusRequestWithdrawal {
		return Entry{}, &TransitionError{EntryID: e.ID, Op: "accept withdrawal", From: e.Status}
	}
	if bal.Current().LessThan(e.Value) {
		return Entry{}, insufficient(e.ClientID, bal.Current(), e.Value)
	}
	return settle(e, StatusAccepted, actor, now), nil
}

// AcceptPartnerCert accepts either a client conversion request (debit) or an
// admin-saved certificate (credit). Origin keeps the two apart in the ledger.
func AcceptPartnerCert(actor Actor, e Entry, bal Balance, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	if e.Status != StatusRequestPartnerCert && e.Status != StatusSavedByAdminCert {
		return Entry{}, &TransitionError{EntryID: e.ID, Op: "accept partner certificate", From: e.Status}
	}
	if err := requireCertificate(e.PartnerID, e.PartnerCertCode); err != nil {
		return Entry{}, err
	}
	if e.Status == StatusRequestPartnerCert && bal.Current().LessThan(e.Value) {
		return Entry{}, insufficient(e.ClientID, bal.Current(), e.Value)
	}
	return settle(e, StatusAccepted, actor, now), nil
}

func CancelWithdrawal(actor Actor, e Entry, now time.Time) (Entry, error) {
	if !actor.IsAdmin() && !actor.Owns(e.ClientID) {
		return Entry{}, ErrForbidden
	}
	if e.Status != StatusRequestWithdrawal {
		return Entry{}, &TransitionError{EntryID: e.ID, Op: "cancel withdrawal", From: e.Status}
	}
	return settle(e, StatusCancelled, actor, now), nil
}

func CancelPartnerCert(actor Actor, e Entry, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	if e.Status != StatusRequestPartnerCert {
		return Entry{}, &TransitionError{EntryID: e.ID, Op: "cancel partner certificate", From: e.Status}
	}
	return settle(e, StatusCancelled, actor, now), nil
}

func settle(e Entry, to Status, actor Actor, now time.Time) Entry {
	at := now
	e.Status = to
	e.ProcessedByID = actor.ID
	e.ProcessedAt = &at
	e.UpdatedAt = now
	return e
}

// =============================================================================
// EDITS
// =============================================================================

// ApplyPatch applies an admin edit. The value and status are never editable;
// the certificate code only while the certificate is still pending.
func ApplyPatch(actor Actor, e Entry, p Patch, now time.Time) (Entry, error) {
	if !actor.IsAdmin() {
		return Entry{}, ErrForbidden
	}
	editable := EditableFields(&e)
	if p.PartnerCertCode != nil && *p.PartnerCertCode != e.PartnerCertCode {
		if !editable[FieldPartnerCertCode] {
			return Entry{}, &CertificateError{
				Field:  string(FieldPartnerCertCode),
				Reason: "cannot be changed in status " + string(e.Status),
			}
		}
		e.PartnerCertCode = *p.PartnerCertCode
	}
	if p.Comment != nil {
		e.Comment = *p.Comment
	}
	e.UpdatedAt = now
	return e, nil
}

// =============================================================================
// VALIDATION HELPERS
// =============================================================================

func checkValue(v decimal.Decimal) error {
	if !v.IsPositive() {
		return ErrInvalidValue
	}
	return nil
}

func requireCertificate(partnerID, code string) error {
	if partnerID == "" {
		return &CertificateError{Field: "partner_id", Reason: "is required"}
	}
	if code == "" {
		return &CertificateError{Field: "partner_cert_code", Reason: "is required"}
	}
	return nil
}

func rejectCertificate(d Draft) error {
	if d.PartnerID != "" {
		return &CertificateError{Field: "partner_id", Reason: "is not allowed here"}
	}
	if d.PartnerCertCode != "" {
		return &CertificateError{Field: "partner_cert_code", Reason: "is not allowed here"}
	}
	return nil
}
