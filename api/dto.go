/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger's domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request shapes are checked with validator struct tags. Business rules
  (positive values, certificate fields, balances) stay in the points
  package and come back as 422 error lists.

AMOUNTS:
  Values are decimal strings ("150", "12.5"). Numbers are accepted on input.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/points"
)

// =============================================================================
// ENVELOPES
// =============================================================================

// SuccessResponse wraps every 2xx body.
type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// DomainErrorResponse is returned with 422 when the ledger rejects an
// operation.
type DomainErrorResponse struct {
	Status string           `json:"status"`
	Errors points.ErrorList `json:"errors"`
}

// ErrorResponse covers transport failures (bad JSON, auth, not found).
type ErrorResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// ENTRIES
// =============================================================================

type EntryDTO struct {
	ID              string  `json:"id"`
	ClientID        string  `json:"client_id"`
	Value           string  `json:"value"`
	Status          string  `json:"status"`
	StatusLabel     string  `json:"status_label"`
	Origin          string  `json:"origin"`
	Comment         string  `json:"comment"`
	PartnerID       string  `json:"partner_id,omitempty"`
	PartnerCertCode string  `json:"partner_cert_code,omitempty"`
	CreatedBy       string  `json:"created_by"`
	CreatedByID     string  `json:"created_by_id"`
	ProcessedByID   string  `json:"processed_by_id,omitempty"`
	ProcessedAt     *string `json:"processed_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toEntryDTO(e points.Entry) EntryDTO {
	dto := EntryDTO{
		ID:              string(e.ID),
		ClientID:        string(e.ClientID),
		Value:           e.Value.String(),
		Status:          string(e.Status),
		StatusLabel:     e.Status.Label(),
		Origin:          string(e.Origin),
		Comment:         e.Comment,
		PartnerID:       e.PartnerID,
		PartnerCertCode: e.PartnerCertCode,
		CreatedBy:       string(e.CreatedBy),
		CreatedByID:     e.CreatedByID,
		ProcessedByID:   e.ProcessedByID,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       e.UpdatedAt.Format(time.RFC3339),
	}
	if e.ProcessedAt != nil {
		at := e.ProcessedAt.Format(time.RFC3339)
		dto.ProcessedAt = &at
	}
	return dto
}

func toEntryDTOs(entries []points.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

// CreateEntryRequest is an admin creating a ledger entry.
type CreateEntryRequest struct {
	ClientID        string          `json:"client_id" validate:"required"`
	Status          string          `json:"status" validate:"required,oneof=added_by_admin added_by_admin_partner_cert saved_by_admin_not_approved_cert subtracted_by_admin"`
	Value           decimal.Decimal `json:"value"`
	Comment         string          `json:"comment" validate:"max=1000"`
	PartnerID       string          `json:"partner_id" validate:"max=64"`
	PartnerCertCode string          `json:"partner_cert_code" validate:"max=128"`
}

// ClientRequest is a client asking for a withdrawal or a partner
// certificate.
type ClientRequest struct {
	Value     decimal.Decimal `json:"value"`
	Comment   string          `json:"comment" validate:"max=1000"`
	PartnerID string          `json:"partner_id" validate:"max=64"`
}

// UpdateEntryRequest is an admin edit. Omitted fields are left alone.
type UpdateEntryRequest struct {
	Comment         *string `json:"comment" validate:"omitempty,max=1000"`
	PartnerCertCode *string `json:"partner_cert_code" validate:"omitempty,max=128"`
}

type FormDTO struct {
	Entry    *EntryDTO             `json:"entry,omitempty"`
	Statuses []points.StatusOption `json:"statuses"`
	Editable map[points.Field]bool `json:"editable"`
	Visible  map[points.Field]bool `json:"visible"`
}

func toFormDTO(f points.Form) FormDTO {
	dto := FormDTO{Statuses: f.Statuses, Editable: f.Editable, Visible: f.Visible}
	if f.Entry != nil {
		e := toEntryDTO(*f.Entry)
		dto.Entry = &e
	}
	return dto
}

// =============================================================================
// BALANCE
// =============================================================================

type BalanceDTO struct {
	ClientID  string `json:"client_id"`
	Credited  string `json:"credited"`
	Debited   string `json:"debited"`
	Held      string `json:"held"`
	Current   string `json:"current"`
	Available string `json:"available"`
}

func toBalanceDTO(b points.Balance) BalanceDTO {
	return BalanceDTO{
		ClientID:  string(b.ClientID),
		Credited:  b.Credited.String(),
		Debited:   b.Debited.String(),
		Held:      b.Held.String(),
		Current:   b.Current().String(),
		Available: b.Available().String(),
	}
}

// =============================================================================
// CLIENTS
// =============================================================================

type ClientDTO struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	ReferralCode string      `json:"referral_code"`
	ReferrerID   *string     `json:"referrer_id"`
	AgentStatus  string      `json:"agent_status"`
	Active       bool        `json:"active"`
	CreatedAt    string      `json:"created_at"`
	Balance      *BalanceDTO `json:"balance,omitempty"`
}

func toClientDTO(c clients.Client) ClientDTO {
	dto := ClientDTO{
		ID:           string(c.ID),
		Name:         c.Name,
		Email:        c.Email,
		ReferralCode: c.ReferralCode,
		AgentStatus:  string(c.AgentStatus),
		Active:       c.Active,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
	}
	if c.ReferrerID != nil {
		ref := string(*c.ReferrerID)
		dto.ReferrerID = &ref
	}
	return dto
}

type RegisterClientRequest struct {
	Name           string `json:"name" validate:"max=255"`
	Email          string `json:"email" validate:"omitempty,email"`
	ReferralCode   string `json:"referral_code" validate:"required,max=64"`
	ReferredByCode string `json:"referred_by_code" validate:"max=64"`
}

type SetReferrerRequest struct {
	ReferrerID *string `json:"referrer_id"`
}

type SetAgentStatusRequest struct {
	AgentStatus string `json:"agent_status" validate:"required,oneof=none requested approved"`
}
