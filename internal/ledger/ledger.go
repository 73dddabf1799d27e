// Package ledger tracks entry metadata for open positions. It is a
// convenience cache for exit-rule evaluation (entry price, entry time); the
// broker's balance snapshot stays the source of truth for what is actually
// held, and Reconcile resolves every disagreement in the broker's favor.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Kimssss/kis-autotrader/internal/broker"
)

// Position is one tracked holding. Created on a confirmed BUY fill, removed
// on a confirmed full SELL.
type Position struct {
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name,omitempty"`
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
}

type state struct {
	UpdatedAt time.Time           `json:"updated_at"`
	Positions map[string]Position `json:"positions"`
}

// Ledger persists positions to a JSON file so entry metadata survives
// restarts. A symbol present here implies a believed non-zero quantity.
type Ledger struct {
	path string

	mu    sync.Mutex
	state state
}

// New returns a ledger backed by path. Pass an empty path for an in-memory
// ledger (tests).
func New(path string) *Ledger {
	return &Ledger{
		path:  path,
		state: state{Positions: make(map[string]Position)},
	}
}

// Load reads the persisted state. A missing file is a fresh start, not an
// error.
func (l *Ledger) Load() error {
	if l.path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ledger: %w", err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("parse ledger: %w", err)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]Position)
	}
	l.state = st
	return nil
}

// RecordEntry tracks a confirmed BUY fill.
func (l *Ledger) RecordEntry(symbol, name string, price float64, quantity int, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Positions[symbol] = Position{
		Symbol:     symbol,
		Name:       name,
		Quantity:   quantity,
		EntryPrice: price,
		EntryTime:  at,
	}
	return l.saveLocked()
}

// RecordExit removes the position after a confirmed full SELL fill.
func (l *Ledger) RecordExit(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.state.Positions, symbol)
	return l.saveLocked()
}

// Get returns the tracked position for symbol, if any.
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.state.Positions[symbol]
	return p, ok
}

// All returns a copy of every tracked position.
func (l *Ledger) All() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Position, 0, len(l.state.Positions))
	for _, p := range l.state.Positions {
		out = append(out, p)
	}
	return out
}

// Count returns the number of open positions.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.Positions)
}

// HeldDays returns whole calendar days since entry, 0 for an untracked
// symbol.
func (l *Ledger) HeldDays(symbol string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.state.Positions[symbol]
	if !ok {
		return 0
	}
	d := int(now.Sub(p.EntryTime).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Reconcile aligns the ledger with the broker's authoritative holdings.
// Symbols the broker no longer reports are dropped; holdings the ledger never
// saw are adopted with the broker's average price and now as the entry time;
// quantities always follow the broker.
func (l *Ledger) Reconcile(holdings []broker.Holding, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := make(map[string]broker.Holding, len(holdings))
	for _, h := range holdings {
		if h.Quantity > 0 {
			held[h.Symbol] = h
		}
	}

	for sym := range l.state.Positions {
		if _, ok := held[sym]; !ok {
			delete(l.state.Positions, sym)
		}
	}
	for sym, h := range held {
		p, ok := l.state.Positions[sym]
		if !ok {
			l.state.Positions[sym] = Position{
				Symbol:     sym,
				Name:       h.Name,
				Quantity:   h.Quantity,
				EntryPrice: h.AvgPrice,
				EntryTime:  now,
			}
			continue
		}
		if p.Quantity != h.Quantity {
			p.Quantity = h.Quantity
			l.state.Positions[sym] = p
		}
	}
	return l.saveLocked()
}

// saveLocked writes atomically via temp file + rename. Caller holds l.mu.
func (l *Ledger) saveLocked() error {
	if l.path == "" {
		return nil
	}
	l.state.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}
