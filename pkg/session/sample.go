// Package session drives the per-peer probe exchange: the sequence state
// machine, the bounded in-flight table, TX-completion matching and the TCP
// control channel carrying timestamp metadata between agents.
package session

import (
	"time"

	"github.com/GBert/SLANG/pkg/timestamp"
)

// State of one sequence number's round.
type State uint8

const (
	StateCreated State = iota
	StateSent
	StateTxPending
	StateTxResolved
	StateTxTimeout
	StateAwaitingRemote
	StateExchanged
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateTxPending:
		return "tx-pending"
	case StateTxResolved:
		return "tx-resolved"
	case StateTxTimeout:
		return "tx-timeout"
	case StateAwaitingRemote:
		return "awaiting-remote"
	case StateExchanged:
		return "exchanged"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Sample is one measurement round for a sequence number, handed to the
// Reporter exactly once. Immutable after submission. Timestamp fields may
// individually be Unavailable; callers branch on Source before use.
type Sample struct {
	Peer string
	Seq  uint32

	TxLocal  timestamp.Timestamp // probe left this agent
	RxRemote timestamp.Timestamp // probe arrived at the peer
	TxRemote timestamp.Timestamp // reply left the peer
	RxLocal  timestamp.Timestamp // reply arrived here

	// Complete marks a round whose four slots all settled, even if some
	// settled as Unavailable. Evicted rounds are submitted incomplete.
	Complete bool
}

// RTT is RxLocal-TxLocal; zero when either side is Unavailable.
func (s Sample) RTT() time.Duration {
	if !s.TxLocal.Valid() || !s.RxLocal.Valid() {
		return 0
	}
	return s.RxLocal.Sub(s.TxLocal)
}

// ForwardDelay is the one-way probe leg; zero when not measurable.
func (s Sample) ForwardDelay() time.Duration {
	if !s.TxLocal.Valid() || !s.RxRemote.Valid() {
		return 0
	}
	return s.RxRemote.Sub(s.TxLocal)
}

// ReturnDelay is the one-way reply leg; zero when not measurable.
func (s Sample) ReturnDelay() time.Duration {
	if !s.TxRemote.Valid() || !s.RxLocal.Valid() {
		return 0
	}
	return s.RxLocal.Sub(s.TxRemote)
}

// Reporter receives completed and evicted samples. Submit must not block;
// the reporter owns any buffering and forwarding toward the manager.
type Reporter interface {
	Submit(Sample)
}
