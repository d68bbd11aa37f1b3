package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
	NewID  func() ID
}

// Directory is the client registry used by the back office.
type Directory struct {
	store TxStore
	log   logrus.FieldLogger
	now   func() time.Time
	newID func() ID
}

func NewDirectory(store TxStore, opts Options) *Directory {
	d := &Directory{store: store, log: opts.Logger, now: opts.Now, newID: opts.NewID}
	if d.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		d.log = l
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	if d.newID == nil {
		d.newID = func() ID { return ID(uuid.NewString()) }
	}
	return d
}

// Register creates an active client. ReferredByCode, when set, must belong to
// an existing client who becomes the referrer.
func (d *Directory) Register(ctx context.Context, r Registration) (Client, error) {
	code := strings.TrimSpace(r.ReferralCode)
	if code == "" {
		return Client{}, ErrInvalidReferralCode
	}

	var out Client
	err := d.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetByReferralCode(ctx, code); err == nil {
			return ErrReferralCodeTaken
		} else if !errors.Is(err, ErrClientNotFound) {
			return err
		}

		now := d.now()
		c := Client{
			ID:           d.newID(),
			Name:         r.Name,
			Email:        r.Email,
			ReferralCode: code,
			AgentStatus:  AgentNone,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if by := strings.TrimSpace(r.ReferredByCode); by != "" {
			referrer, err := tx.GetByReferralCode(ctx, by)
			if err != nil {
				return fmt.Errorf("referred by %q: %w", by, err)
			}
			c.ReferrerID = &referrer.ID
		}
		if err := tx.Insert(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Client{}, err
	}
	d.log.WithFields(logrus.Fields{"client_id": out.ID, "referral_code": out.ReferralCode}).Info("client registered")
	return out, nil
}

func (d *Directory) Get(ctx context.Context, id ID) (Client, error) {
	return d.store.Get(ctx, id)
}

func (d *Directory) Exists(ctx context.Context, id ID) (bool, error) {
	_, err := d.store.Get(ctx, id)
	if errors.Is(err, ErrClientNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Referrals returns the clients directly referred by id.
func (d *Directory) Referrals(ctx context.Context, id ID) ([]Client, error) {
	if _, err := d.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return d.store.Children(ctx, id)
}

// SetReferrer moves id under referrerID, or detaches it when referrerID is
// nil. The move is rejected if referrerID is id itself or one of its
// descendants.
func (d *Directory) SetReferrer(ctx context.Context, id ID, referrerID *ID) (Client, error) {
	return d.update(ctx, id, "set_referrer", func(tx Store, c *Client) error {
		if referrerID == nil {
			c.ReferrerID = nil
			return nil
		}
		if err := checkAncestry(ctx, tx, id, *referrerID); err != nil {
			return err
		}
		ref := *referrerID
		c.ReferrerID = &ref
		return nil
	})
}

// checkAncestry walks up from candidate and fails if it reaches id.
func checkAncestry(ctx context.Context, tx Store, id, candidate ID) error {
	seen := map[ID]bool{}
	cur := candidate
	for {
		if cur == id {
			return ErrReferralCycle
		}
		if seen[cur] {
			// Pre-existing loop above us; refuse to extend it.
			return ErrReferralCycle
		}
		seen[cur] = true
		c, err := tx.Get(ctx, cur)
		if err != nil {
			return err
		}
		if c.ReferrerID == nil {
			return nil
		}
		cur = *c.ReferrerID
	}
}

func (d *Directory) SetAgentStatus(ctx context.Context, id ID, status AgentStatus) (Client, error) {
	if !status.Valid() {
		return Client{}, ErrInvalidAgentStatus
	}
	return d.update(ctx, id, "set_agent_status", func(_ Store, c *Client) error {
		c.AgentStatus = status
		return nil
	})
}

func (d *Directory) Disable(ctx context.Context, id ID) (Client, error) {
	return d.update(ctx, id, "disable", func(_ Store, c *Client) error {
		c.Active = false
		return nil
	})
}

func (d *Directory) Activate(ctx context.Context, id ID) (Client, error) {
	return d.update(ctx, id, "activate", func(_ Store, c *Client) error {
		c.Active = true
		return nil
	})
}

func (d *Directory) update(ctx context.Context, id ID, op string, fn func(tx Store, c *Client) error) (Client, error) {
	var out Client
	err := d.store.WithTx(ctx, func(tx Store) error {
		c, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, &c); err != nil {
			return err
		}
		c.UpdatedAt = d.now()
		if err := tx.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return Client{}, err
	}
	d.log.WithFields(logrus.Fields{"op": op, "client_id": id}).Info("client updated")
	return out, nil
}
