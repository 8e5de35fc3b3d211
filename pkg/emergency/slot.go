package emergency

import (
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
)

type state struct {
	wallet    common.Address
	startedAt time.Time
	canceled  atomic.Bool
}

// Ticket is the read-only view a running emergency loop holds of its slot claim
type Ticket struct {
	s *state
}

// Active reports whether the claim has been neither superseded nor released
func (t *Ticket) Active() bool {
	return t != nil && t.s != nil && !t.s.canceled.Load()
}

// Wallet returns the wallet the claim was made for
func (t *Ticket) Wallet() common.Address {
	return t.s.wallet
}

// StartedAt returns when the claim was made
func (t *Ticket) StartedAt() time.Time {
	return t.s.startedAt
}

// Status describes the slot holder
type Status struct {
	Active    bool            `json:"active"`
	Wallet    *common.Address `json:"wallet,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
}

// Slot holds at most one emergency at a time. The newest claim wins and the
// previous holder sees its ticket turn inactive at its next iteration.
type Slot struct {
	current atomic.Pointer[state]
	now     func() time.Time
}

// NewSlot creates an empty slot
func NewSlot() *Slot {
	return &Slot{now: time.Now}
}

// Claim installs wallet as the holder and returns its ticket together with the
// ticket of the holder it superseded, nil when the slot was free
func (s *Slot) Claim(wallet common.Address) (*Ticket, *Ticket) {
	next := &state{wallet: wallet, startedAt: s.now()}
	for {
		prev := s.current.Load()
		if !s.current.CompareAndSwap(prev, next) {
			continue
		}
		metrics.EmergencyActive.Set(1)
		if prev == nil {
			return &Ticket{s: next}, nil
		}
		prev.canceled.Store(true)
		return &Ticket{s: next}, &Ticket{s: prev}
	}
}

// Release frees the slot if ticket still holds it. The ticket turns inactive either way.
func (s *Slot) Release(ticket *Ticket) bool {
	if ticket == nil || ticket.s == nil {
		return false
	}
	ticket.s.canceled.Store(true)
	if s.current.CompareAndSwap(ticket.s, nil) {
		metrics.EmergencyActive.Set(0)
		return true
	}
	return false
}

// Cancel frees the slot whoever holds it and returns the canceled ticket
func (s *Slot) Cancel() *Ticket {
	prev := s.current.Swap(nil)
	if prev == nil {
		return nil
	}
	prev.canceled.Store(true)
	metrics.EmergencyActive.Set(0)
	return &Ticket{s: prev}
}

// Current returns the holder's ticket, nil when the slot is free
func (s *Slot) Current() *Ticket {
	cur := s.current.Load()
	if cur == nil {
		return nil
	}
	return &Ticket{s: cur}
}

// Holds reports whether wallet holds the slot
func (s *Slot) Holds(wallet common.Address) bool {
	cur := s.current.Load()
	return cur != nil && cur.wallet == wallet
}

// Status returns the current holder
func (s *Slot) Status() Status {
	cur := s.current.Load()
	if cur == nil {
		return Status{}
	}
	wallet := cur.wallet
	started := cur.startedAt
	return Status{Active: true, Wallet: &wallet, StartedAt: &started}
}
