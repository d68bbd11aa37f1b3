package points

import "context"

// Session binds an actor to a Service and remembers the errors of its most
// recent operation. Each method reports success as a bool; GetErrors explains
// a false. A Session belongs to one caller and is not safe for concurrent
// use. Store failures are still returned as error.
type Session struct {
	svc    *Service
	actor  Actor
	errors ErrorList
	last   Entry
}

func (s *Service) Session(actor Actor) *Session {
	return &Session{svc: s, actor: actor}
}

// GetErrors returns the failures of the latest operation, or nil.
func (s *Session) GetErrors() ErrorList { return s.errors }

// Entry returns the entry written by the latest successful operation.
func (s *Session) Entry() Entry { return s.last }

func (s *Session) AddByAdmin(ctx context.Context, d Draft) (bool, error) {
	return s.record(s.svc.AddByAdmin(ctx, s.actor, d))
}

func (s *Session) SaveByAdmin(ctx context.Context, d Draft) (bool, error) {
	return s.record(s.svc.SaveByAdmin(ctx, s.actor, d))
}

func (s *Session) SubByAdmin(ctx context.Context, d Draft) (bool, error) {
	return s.record(s.svc.SubByAdmin(ctx, s.actor, d))
}

func (s *Session) RequestWithdrawal(ctx context.Context, d Draft) (bool, error) {
	return s.record(s.svc.RequestWithdrawal(ctx, s.actor, d))
}

func (s *Session) RequestPartnerCert(ctx context.Context, d Draft) (bool, error) {
	return s.record(s.svc.RequestPartnerCert(ctx, s.actor, d))
}

func (s *Session) AcceptWithdrawal(ctx context.Context, id EntryID) (bool, error) {
	return s.record(s.svc.AcceptWithdrawal(ctx, s.actor, id))
}

func (s *Session) AcceptPartnerCert(ctx context.Context, id EntryID) (bool, error) {
	return s.record(s.svc.AcceptPartnerCert(ctx, s.actor, id))
}

func (s *Session) CancelWithdrawal(ctx context.Context, id EntryID) (bool, error) {
	return s.record(s.svc.CancelWithdrawal(ctx, s.actor, id))
}

func (s *Session) CancelPartnerCert(ctx context.Context, id EntryID) (bool, error) {
	return s.record(s.svc.CancelPartnerCert(ctx, s.actor, id))
}

func (s *Session) record(res Result, err error) (bool, error) {
	s.errors = nil
	if err != nil {
		return false, err
	}
	if !res.OK() {
		s.errors = res.Errors
		return false, nil
	}
	s.last = res.Entry
	return true, nil
}
