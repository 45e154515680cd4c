package session

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ddirect/container/ttlmap"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/GBert/SLANG/pkg/config"
	"github.com/GBert/SLANG/pkg/packet"
	"github.com/GBert/SLANG/pkg/socket"
	"github.com/GBert/SLANG/pkg/timestamp"
)

// transceiver is the slice of the packet layer the engine drives. Narrow on
// purpose so tests can substitute a fake.
type transceiver interface {
	Mode() packet.Mode
	Send(p packet.Payload, to unix.Sockaddr) (packet.TxResult, error)
	Recv() (packet.Packet, error)
	PollTx() (timestamp.Timestamp, uint32, error)
}

// peerSession is the per-peer state: probe destination, control connection
// and sequence counter. Mutated only from the engine loop.
type peerSession struct {
	key  string // canonical ip:port, as dialed
	host string // ip only, for matching inbound connections
	addr unix.Sockaddr

	seq         uint32
	ctrl        net.Conn // preferred write channel; nil while disconnected
	conns       []net.Conn
	dialing     bool
	outstanding int

	rejected    uint64
	lost        uint64
	invalid     uint64
	ctrlDropped uint64
}

type flightKey struct {
	peer string
	seq  uint32
}

// flight is one in-flight measurement round. The three settled flags gate
// completion: TX settled (resolved or timed out), reply seen, remote
// timestamps seen.
type flight struct {
	peer   *peerSession
	state  State
	sample Sample

	txSettled  bool
	rxSeen     bool
	remoteSeen bool
}

// txRef links a kernel send counter to what the completion belongs to:
// either an outgoing ping's flight or a pong whose timestamps still have to
// go out on the control channel.
type txRef struct {
	ps   *peerSession
	seq  uint32
	pong bool
	rx   timestamp.Timestamp // pong only: RX of the ping being answered
	done bool
}

// flightTable and txTable adapt the TTL maps created in Run for the loop's
// helpers; get returns nil when the key is absent or already expired.
type flightTable struct {
	set func(flightKey, *flight)
	get func(flightKey) *flight
}

type txTable struct {
	set func(uint32, *txRef)
	get func(uint32) *txRef
}

// Counters is an aggregate of steady-state anomalies. Stable once Run has
// returned.
type Counters struct {
	Lost        uint64 // rounds evicted before completion
	Rejected    uint64 // sends refused by the in-flight bound
	Invalid     uint64 // receives/records with no matching flight
	SendErrors  uint64 // transport failures on probe send
	StaleTx     uint64 // completions for already-settled sends
	CtrlDropped uint64 // records lost to a disconnected control channel
}

// Engine multiplexes every peer's probe exchange on a single loop: probe
// ticker, UDP receive, error-queue poll, control records, connection events
// and in-flight expiry. All session state is consulted and mutated only
// within the loop's turn; goroutines outside it only move bytes and channel
// messages.
type Engine struct {
	cfg   *config.Config
	xcvr  transceiver
	rep   Reporter
	ln    net.Listener
	peers map[string]*peerSession

	ctrlCh chan ctrlEvent
	connCh chan connEvent

	sendErrors uint64
	staleTx    uint64
}

// NewEngine resolves the configured peers and wires the engine. ln carries
// inbound control connections and may be nil when the agent only probes
// outward.
func NewEngine(cfg *config.Config, xcvr transceiver, ln net.Listener, rep Reporter) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		xcvr:   xcvr,
		rep:    rep,
		ln:     ln,
		peers:  make(map[string]*peerSession, len(cfg.Peers)),
		ctrlCh: make(chan ctrlEvent, 16),
		connCh: make(chan connEvent, 4),
	}
	for _, ep := range cfg.Peers {
		sa, err := socket.ResolveAddr(ep)
		if err != nil {
			return nil, err
		}
		key := socket.AddrToString(sa)
		e.peers[key] = &peerSession{
			key:  key,
			host: socket.AddrHost(sa),
			addr: sa,
		}
	}
	return e, nil
}

func (e *Engine) peerByHost(host string) (string, bool) {
	for key, ps := range e.peers {
		if ps.host == host {
			return key, true
		}
	}
	return "", false
}

type recvEvent struct {
	pkt packet.Packet
	err error
}

// Run executes the event loop until the context ends. Steady-state errors
// are logged and absorbed; nothing here terminates the process.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeConns()

	flights, expired := ttlmap.New[flightKey, *flight](e.cfg.CompletionTimeout(), evictionResolution(e.cfg.CompletionTimeout()))
	inflight := flightTable{
		set: func(k flightKey, fl *flight) { flights.Set(k, fl) },
		get: func(k flightKey) *flight {
			if it := flights.Get(k); it.Present() {
				return it.Value
			}
			return nil
		},
	}

	txWaits, txExpired := ttlmap.New[uint32, *txRef](e.cfg.TxTimestampTimeout(), evictionResolution(e.cfg.TxTimestampTimeout()))
	txWait := txTable{
		set: func(id uint32, ref *txRef) { txWaits.Set(id, ref) },
		get: func(id uint32) *txRef {
			if it := txWaits.Get(id); it.Present() {
				return it.Value
			}
			return nil
		},
	}

	recvCh := e.startReceiver(ctx)
	if e.ln != nil {
		go e.acceptControl(ctx)
	}

	tick := time.NewTicker(e.cfg.ProbeInterval())
	defer tick.Stop()

	// In kernel mode the error queue is polled cooperatively; completions
	// usually land well inside one poll period after the send.
	var txPollCh <-chan time.Time
	if e.xcvr.Mode() == packet.ModeKernel {
		txPoll := time.NewTicker(evictionResolution(e.cfg.ProbeInterval()))
		defer txPoll.Stop()
		txPollCh = txPoll.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick.C:
			for _, ps := range e.peers {
				e.ensureControl(ctx, ps)
				e.sendProbe(ps, inflight, txWait)
			}

		case <-txPollCh:
			e.drainErrQueue(inflight, txWait)

		case ev := <-recvCh:
			if ev.err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Warnf("probe receive: %v", ev.err)
				continue
			}
			e.handlePacket(ev.pkt, inflight, txWait)

		case ev := <-e.ctrlCh:
			e.handleControl(ev, inflight)

		case ev := <-e.connCh:
			e.handleConn(ctx, ev)

		case batch := <-expired:
			for it := range batch {
				e.evict(it.Value)
			}

		case batch := <-txExpired:
			for it := range batch {
				e.txTimeout(it.Value, inflight)
			}
		}
	}
}

func (e *Engine) startReceiver(ctx context.Context) <-chan recvEvent {
	ch := make(chan recvEvent, 16)
	go func() {
		for {
			pkt, err := e.xcvr.Recv()
			select {
			case ch <- recvEvent{pkt: pkt, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && (ctx.Err() != nil || errors.Is(err, unix.EBADF)) {
				return
			}
		}
	}()
	return ch
}

// sendProbe runs one CREATED→SENT transition for a peer, honoring the
// in-flight bound: at the limit the send is rejected and counted rather
// than growing the table.
func (e *Engine) sendProbe(ps *peerSession, inflight flightTable, txWait txTable) {
	if ps.outstanding >= e.cfg.MaxInflight {
		ps.rejected++
		return
	}

	seq := ps.seq
	ps.seq++

	origin := timestamp.Now()
	p := packet.Payload{
		Version: packet.Version,
		Kind:    packet.KindPing,
		Seq:     seq,
		Sec:     origin.Sec,
		Nsec:    int32(origin.Nsec),
	}
	res, err := e.xcvr.Send(p, ps.addr)
	if err != nil {
		// Abandon this sequence attempt; the session carries on.
		e.sendErrors++
		log.Warnf("probe send to %s: %v", ps.key, err)
		return
	}

	fl := &flight{
		peer: ps,
		sample: Sample{
			Peer: ps.key,
			Seq:  seq,
		},
	}
	if res.Pending {
		fl.state = StateTxPending
		txWait.set(res.ID, &txRef{ps: ps, seq: seq})
	} else {
		fl.state = StateTxResolved
		fl.sample.TxLocal = res.Ts
		fl.txSettled = true
	}
	inflight.set(flightKey{peer: ps.key, seq: seq}, fl)
	ps.outstanding++

	if e.xcvr.Mode() == packet.ModeKernel {
		// Opportunistic drain right after a send shortens the pending
		// window when completions are already queued.
		e.drainErrQueue(inflight, txWait)
	}
}

func (e *Engine) handlePacket(pkt packet.Packet, inflight flightTable, txWait txTable) {
	host := socket.AddrHost(pkt.From)
	key, ok := e.peerByHost(host)
	if !ok {
		log.Debugf("probe from unconfigured %s, dropping", socket.AddrToString(pkt.From))
		return
	}
	ps := e.peers[key]

	switch pkt.Payload.Kind {
	case packet.KindPing:
		e.answerPing(ps, pkt, txWait)
	case packet.KindPong:
		fl := inflight.get(flightKey{peer: ps.key, seq: pkt.Payload.Seq})
		if fl == nil || fl.rxSeen {
			ps.invalid++
			return
		}
		fl.sample.RxLocal = pkt.Ts
		fl.rxSeen = true
		e.advance(fl)
	default:
		ps.invalid++
	}
}

// answerPing sends the pong and arranges for this side's RX/TX timestamps
// to reach the pinger over the control channel: immediately in userland
// mode, after the error-queue completion (or its timeout) in kernel mode.
func (e *Engine) answerPing(ps *peerSession, pkt packet.Packet, txWait txTable) {
	now := timestamp.Now()
	pong := packet.Payload{
		Version: packet.Version,
		Kind:    packet.KindPong,
		Seq:     pkt.Payload.Seq,
		Sec:     now.Sec,
		Nsec:    int32(now.Nsec),
	}
	res, err := e.xcvr.Send(pong, pkt.From)
	if err != nil {
		e.sendErrors++
		log.Warnf("pong send to %s: %v", ps.key, err)
		return
	}
	if res.Pending {
		txWait.set(res.ID, &txRef{ps: ps, seq: pkt.Payload.Seq, pong: true, rx: pkt.Ts})
	} else {
		e.sendControl(ps, pkt.Payload.Seq, pkt.Ts, res.Ts)
	}
}

// drainErrQueue empties the socket error queue, resolving TX_TS_PENDING
// flights and releasing held-back pong reports. An empty queue is the
// normal case, never an error.
func (e *Engine) drainErrQueue(inflight flightTable, txWait txTable) {
	for {
		ts, id, err := e.xcvr.PollTx()
		if err != nil {
			if !errors.Is(err, packet.ErrNoCompletion) {
				// Expected in some transport states; keep it quiet.
				log.Debugf("tx completion poll: %v", err)
			}
			return
		}
		ref := txWait.get(id)
		if ref == nil || ref.done {
			e.staleTx++
			continue
		}
		ref.done = true
		if ref.pong {
			e.sendControl(ref.ps, ref.seq, ref.rx, ts)
			continue
		}
		if fl := inflight.get(flightKey{peer: ref.ps.key, seq: ref.seq}); fl != nil && !fl.txSettled {
			fl.sample.TxLocal = ts
			fl.txSettled = true
			fl.state = StateTxResolved
			e.advance(fl)
		}
	}
}

// txTimeout fires when no completion arrived inside the bounded wait. The
// flight proceeds with an Unavailable TX timestamp instead of blocking.
func (e *Engine) txTimeout(ref *txRef, inflight flightTable) {
	if ref.done {
		return
	}
	ref.done = true
	if ref.pong {
		e.sendControl(ref.ps, ref.seq, ref.rx, timestamp.Timestamp{})
		return
	}
	if fl := inflight.get(flightKey{peer: ref.ps.key, seq: ref.seq}); fl != nil && !fl.txSettled {
		fl.txSettled = true
		fl.state = StateTxTimeout
		e.advance(fl)
	}
}

func (e *Engine) handleControl(ev ctrlEvent, inflight flightTable) {
	ps, ok := e.peers[ev.peer]
	if !ok {
		return
	}
	if ev.err != nil {
		if !errors.Is(ev.err, net.ErrClosed) {
			log.Warnf("control channel %s: %v", ev.peer, ev.err)
		}
		e.dropConn(ps, ev.conn)
		return
	}
	fl := inflight.get(flightKey{peer: ev.peer, seq: ev.msg.Seq})
	if fl == nil || fl.remoteSeen {
		ps.invalid++
		return
	}
	fl.sample.RxRemote, fl.sample.TxRemote = ev.msg.timestamps()
	fl.remoteSeen = true
	e.advance(fl)
}

// advance recomputes a flight's position after any slot settles and
// submits the sample once the round is whole. Submission happens at most
// once; the entry then rides out its TTL as a tombstone.
func (e *Engine) advance(fl *flight) {
	if fl.state == StateComplete {
		return
	}
	switch {
	case fl.txSettled && fl.rxSeen && fl.remoteSeen:
		fl.state = StateComplete
		fl.sample.Complete = true
		fl.peer.outstanding--
		e.rep.Submit(fl.sample)
	case fl.rxSeen && fl.remoteSeen:
		fl.state = StateExchanged
	case fl.txSettled && (fl.rxSeen || fl.remoteSeen):
		fl.state = StateAwaitingRemote
	}
}

// evict reports a round that never became whole within the completion
// window. This is what keeps the in-flight table bounded under loss.
func (e *Engine) evict(fl *flight) {
	if fl.state == StateComplete {
		return
	}
	fl.peer.lost++
	fl.peer.outstanding--
	e.rep.Submit(fl.sample)
}

func (e *Engine) ensureControl(ctx context.Context, ps *peerSession) {
	if ps.ctrl != nil || ps.dialing {
		return
	}
	ps.dialing = true
	go e.dialControl(ctx, ps.key)
}

func (e *Engine) handleConn(ctx context.Context, ev connEvent) {
	ps, ok := e.peers[ev.peer]
	if !ok {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.dialed {
		ps.dialing = false
	}
	if ev.err != nil {
		log.Debugf("control dial %s: %v", ev.peer, ev.err)
		return
	}
	ps.conns = append(ps.conns, ev.conn)
	go e.readControl(ctx, ev.peer, ev.conn)
	if ps.ctrl == nil {
		ps.ctrl = ev.conn
	}
}

func (e *Engine) dropConn(ps *peerSession, conn net.Conn) {
	for i, c := range ps.conns {
		if c == conn {
			ps.conns = append(ps.conns[:i], ps.conns[i+1:]...)
			break
		}
	}
	e.resetControl(ps, conn)
	// Fall back to another live connection if one exists.
	if ps.ctrl == nil && len(ps.conns) > 0 {
		ps.ctrl = ps.conns[0]
	}
}

func (e *Engine) closeConns() {
	for _, ps := range e.peers {
		for _, c := range ps.conns {
			c.Close()
		}
		ps.conns = nil
		ps.ctrl = nil
	}
}

// Counters aggregates per-peer and engine anomalies. Call after Run has
// returned; the loop owns these fields while it is running.
func (e *Engine) Counters() Counters {
	c := Counters{
		SendErrors: e.sendErrors,
		StaleTx:    e.staleTx,
	}
	for _, ps := range e.peers {
		c.Lost += ps.lost
		c.Rejected += ps.rejected
		c.Invalid += ps.invalid
		c.CtrlDropped += ps.ctrlDropped
	}
	return c
}

// evictionResolution picks how coarsely a TTL table sweeps, an order of
// magnitude under the TTL with a floor to keep timers sane.
func evictionResolution(ttl time.Duration) time.Duration {
	res := ttl / 10
	if res < time.Millisecond {
		res = time.Millisecond
	}
	return res
}
