/*
form.go - What an admin may do with an entry

PURPOSE:
  The admin edit screen needs two things for an entry: which statuses it can
  be put in, and which fields can be shown or edited. Both are pure lookups
  on the entry's status.

STATUS VARIANTS:
  New entry (nil):                    the four admin creation kinds
  request_withdrawal:                 itself, accepted, cancelled
  request_partner_cert:               itself, accepted, cancelled
  saved_by_admin_not_approved_cert:   itself, accepted
  anything else:                      itself only
*/
package points

var adminCreatable = []Status{
	StatusAddedByAdmin,
	StatusAddedByAdminCert,
	StatusSavedByAdminCert,
	StatusSubtractedByAdmin,
}

var reachable = map[Status][]Status{
	StatusRequestWithdrawal:  {StatusAccepted, StatusCancelled},
	StatusRequestPartnerCert: {StatusAccepted, StatusCancelled},
	StatusSavedByAdminCert:   {StatusAccepted},
}

// PossibleStatuses lists the statuses an entry may be set to. For an existing
// entry the current status comes first.
func PossibleStatuses(e *Entry) []Status {
	if e == nil {
		out := make([]Status, len(adminCreatable))
		copy(out, adminCreatable)
		return out
	}
	out := []Status{e.Status}
	return append(out, reachable[e.Status]...)
}

// =============================================================================
// FIELDS
// =============================================================================

type Field string

const (
	FieldClientID        Field = "client_id"
	FieldValue           Field = "value"
	FieldStatus          Field = "status"
	FieldComment         Field = "comment"
	FieldPartnerID       Field = "partner_id"
	FieldPartnerCertCode Field = "partner_cert_code"
)

var AllFields = []Field{
	FieldClientID,
	FieldValue,
	FieldStatus,
	FieldComment,
	FieldPartnerID,
	FieldPartnerCertCode,
}

// certCodeEditable is keyed by current status.
var certCodeEditable = map[Status]bool{
	StatusRequestPartnerCert: true,
	StatusSavedByAdminCert:   true,
}

// EditableFields reports, per field, whether an admin may change it.
func EditableFields(e *Entry) map[Field]bool {
	out := make(map[Field]bool, len(AllFields))
	for _, f := range AllFields {
		out[f] = e == nil
	}
	if e != nil {
		out[FieldComment] = true
		out[FieldPartnerCertCode] = certCodeEditable[e.Status]
	}
	return out
}

// VisibleFields hides certificate fields on entries that never had them.
func VisibleFields(e *Entry) map[Field]bool {
	out := make(map[Field]bool, len(AllFields))
	for _, f := range AllFields {
		out[f] = true
	}
	if e != nil && !e.Origin.IsCertificate() {
		out[FieldPartnerID] = false
		out[FieldPartnerCertCode] = false
	}
	return out
}

// =============================================================================
// FORM
// =============================================================================

type StatusOption struct {
	Value Status `json:"value"`
	Label string `json:"label"`
}

func statusOptions(statuses []Status) []StatusOption {
	out := make([]StatusOption, len(statuses))
	for i, s := range statuses {
		out[i] = StatusOption{Value: s, Label: s.Label()}
	}
	return out
}

// Form is the admin view of one entry, or of a blank one.
type Form struct {
	Entry    *Entry
	Statuses []StatusOption
	Editable map[Field]bool
	Visible  map[Field]bool
}

func NewForm(e *Entry) Form {
	return Form{
		Entry:    e,
		Statuses: statusOptions(PossibleStatuses(e)),
		Editable: EditableFields(e),
		Visible:  VisibleFields(e),
	}
}
