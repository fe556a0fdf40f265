package engine

import (
	"fmt"

	"github.com/google/uuid"

	"TunaEngine/internal/market"
	"TunaEngine/internal/position"
	"TunaEngine/internal/vault"
)

// Snapshot is a copy of every stored record plus the event sequence. It is
// what the persistence layer mirrors to Postgres and what a restart loads.
type Snapshot struct {
	Sequence int64

	Markets []market.Market
	Vaults  []vault.Vault
	Lending []vault.LendingPosition
	Lps     []position.LpPosition
	Spots   []position.SpotPosition
}

// Snapshot copies the full engine state under the lock.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Snapshot{Sequence: e.seq}
	for _, m := range e.markets {
		s.Markets = append(s.Markets, *m)
	}
	for _, v := range e.vaults {
		s.Vaults = append(s.Vaults, *v)
	}
	for _, l := range e.lending {
		s.Lending = append(s.Lending, *l)
	}
	for _, p := range e.lps {
		s.Lps = append(s.Lps, *p)
	}
	for _, p := range e.spots {
		s.Spots = append(s.Spots, *p)
	}
	return s
}

// Restore replaces the engine state with a snapshot. Meant for startup,
// before any traffic; markets must reference registered adapters.
func (e *Engine) Restore(s *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	markets := make(map[string]*market.Market, len(s.Markets))
	for i := range s.Markets {
		m := s.Markets[i]
		if _, ok := e.adapters[m.MarketMaker]; !ok {
			return fmt.Errorf("%w: %s for market %s", ErrUnknownAdapter, m.MarketMaker, m.Pool)
		}
		markets[m.Pool] = &m
	}
	vaults := make(map[string]*vault.Vault, len(s.Vaults))
	for i := range s.Vaults {
		v := s.Vaults[i]
		vaults[v.ID] = &v
	}
	lending := make(map[lendingKey]*vault.LendingPosition, len(s.Lending))
	for i := range s.Lending {
		l := s.Lending[i]
		lending[lendingKey{l.Authority, l.VaultID}] = &l
	}
	lps := make(map[uuid.UUID]*position.LpPosition, len(s.Lps))
	for i := range s.Lps {
		p := s.Lps[i]
		lps[p.PositionMint] = &p
	}
	spots := make(map[spotKey]*position.SpotPosition, len(s.Spots))
	for i := range s.Spots {
		p := s.Spots[i]
		spots[spotKey{p.Authority, p.Pool}] = &p
	}

	e.markets = markets
	e.vaults = vaults
	e.lending = lending
	e.lps = lps
	e.spots = spots
	e.seq = s.Sequence
	return nil
}
