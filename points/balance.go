/*
balance.go - Client balance projection

PURPOSE:
  Answers "how many points does this client have?" by replaying the
  client's ledger. There is no mutable balance column anywhere; the value
  can always be recomputed from entries alone.

BALANCE COMPONENTS:
  Credited: direct admin credits + accepted admin-saved certificates
  Debited:  direct admin debits + accepted withdrawals + accepted
            certificate conversions
  Held:     pending client requests (withdrawal, certificate conversion)

  Current   = Credited - Debited
  Available = Current - Held

CACHING:
  The projection may sit behind a BalanceCache. The cache is keyed by a
  per-client generation: every ledger mutation bumps the generation, so a
  value computed from an older ledger is stored under a key nobody reads
  again.

SEE ALSO:
  - machine.go: EffectOf, the per-entry contribution
  - cache/balance.go: Redis implementation of BalanceCache
*/
package points

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	ClientID ClientID        `json:"client_id"`
	Credited decimal.Decimal `json:"credited"`
	Debited  decimal.Decimal `json:"debited"`
	Held     decimal.Decimal `json:"held"`
}

// Current is the accepted balance.
func (b Balance) Current() decimal.Decimal {
	return b.Credited.Sub(b.Debited)
}

// Available is what a client may still request.
func (b Balance) Available() decimal.Decimal {
	return b.Current().Sub(b.Held)
}

// ComputeBalance replays entries into a Balance. Entries of other clients are
// ignored.
func ComputeBalance(clientID ClientID, entries []Entry) Balance {
	b := Balance{
		ClientID: clientID,
		Credited: decimal.Zero,
		Debited:  decimal.Zero,
		Held:     decimal.Zero,
	}
	for _, e := range entries {
		if e.ClientID != clientID {
			continue
		}
		eff := EffectOf(e)
		b.Credited = b.Credited.Add(eff.Credit)
		b.Debited = b.Debited.Add(eff.Debit)
		b.Held = b.Held.Add(eff.Held)
	}
	return b
}

// =============================================================================
// PROJECTION - Cached read side
// =============================================================================

// BalanceCache stores computed balances by generation.
type BalanceCache interface {
	// Lookup returns the client's current generation and, on a hit, the
	// balance stored for it.
	Lookup(ctx context.Context, clientID ClientID) (b Balance, generation int64, hit bool, err error)

	// Store saves b for the given generation.
	Store(ctx context.Context, generation int64, b Balance) error

	// Invalidate bumps the client's generation.
	Invalidate(ctx context.Context, clientID ClientID) error
}

// Projection computes balances from a Store, optionally through a cache.
type Projection struct {
	Store    Store
	Cache    BalanceCache
	Recorder Recorder
}

// BalanceOf returns the client's balance. Cache failures fall back to the
// ledger.
func (p *Projection) BalanceOf(ctx context.Context, clientID ClientID) (Balance, error) {
	var generation int64
	cached := false
	if p.Cache != nil {
		b, gen, hit, err := p.Cache.Lookup(ctx, clientID)
		if err == nil {
			if hit {
				p.recorder().ObserveCache(true)
				return b, nil
			}
			generation, cached = gen, true
		}
		p.recorder().ObserveCache(false)
	}

	entries, err := p.Store.EntriesByClient(ctx, clientID)
	if err != nil {
		return Balance{}, err
	}
	b := ComputeBalance(clientID, entries)

	if cached {
		// A failed store only costs the next reader a recompute.
		_ = p.Cache.Store(ctx, generation, b)
	}
	return b, nil
}

// Invalidate drops cached balances of the client.
func (p *Projection) Invalidate(ctx context.Context, clientID ClientID) error {
	if p.Cache == nil {
		return nil
	}
	return p.Cache.Invalidate(ctx, clientID)
}

func (p *Projection) recorder() Recorder {
	if p.Recorder == nil {
		return NopRecorder{}
	}
	return p.Recorder
}
