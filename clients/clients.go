/*
Package clients keeps the loyalty program's client directory and its referral
tree.

REFERRAL TREE:
  Each client may have one referrer. The relation must stay a forest: a
  client can never be its own referrer, directly or through a chain.

      alice
      ├── bob
      │   └── dave
      └── carol

  Setting alice's referrer to dave would close a loop and is rejected with
  ErrReferralCycle. Children are found through the referrer index, never by
  holding a graph in memory.

REFERRAL CODES:
  Issued at registration, unique, and never changed afterwards. How codes
  are generated is up to the caller.
*/
package clients

import (
	"errors"
	"time"
)

type ID string

type AgentStatus string

const (
	AgentNone      AgentStatus = "none"
	AgentRequested AgentStatus = "requested"
	AgentApproved  AgentStatus = "approved"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentNone, AgentRequested, AgentApproved:
		return true
	}
	return false
}

type Client struct {
	ID           ID
	Name         string
	Email        string
	ReferralCode string
	ReferrerID   *ID
	AgentStatus  AgentStatus
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Registration is the input of Directory.Register.
type Registration struct {
	Name           string
	Email          string
	ReferralCode   string
	ReferredByCode string
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrClientNotFound      = errors.New("client not found")
	ErrReferralCodeTaken   = errors.New("referral code already taken")
	ErrReferralCycle       = errors.New("referral cycle")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrInvalidAgentStatus  = errors.New("invalid agent status")
)
