package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/GBert/SLANG/pkg/timestamp"
)

// The control channel is a TCP connection between two agents carrying
// fixed-size timestamp records, out-of-band from the latency-sensitive
// probe traffic. A responder reports its RX(ping)/TX(pong) clock readings
// for every sequence it answered; the probing side matches them to its
// in-flight table.

const ctrlVersion = 2

const ctrlKindTimestamps = 1

// ctrlMsg is the on-wire control record, big-endian, 40 bytes.
type ctrlMsg struct {
	Version uint8
	Kind    uint8
	_       uint16
	Seq     uint32
	RxSec   int64
	RxNsec  int32
	RxSrc   uint8
	_       [3]byte
	TxSec   int64
	TxNsec  int32
	TxSrc   uint8
	_       [3]byte
}

func makeCtrlMsg(seq uint32, rx, tx timestamp.Timestamp) ctrlMsg {
	return ctrlMsg{
		Version: ctrlVersion,
		Kind:    ctrlKindTimestamps,
		Seq:     seq,
		RxSec:   rx.Sec,
		RxNsec:  int32(rx.Nsec),
		RxSrc:   uint8(rx.Source),
		TxSec:   tx.Sec,
		TxNsec:  int32(tx.Nsec),
		TxSrc:   uint8(tx.Source),
	}
}

func (m *ctrlMsg) timestamps() (rx, tx timestamp.Timestamp) {
	rx = timestamp.Timestamp{Sec: m.RxSec, Nsec: int64(m.RxNsec), Source: timestamp.Source(m.RxSrc)}
	tx = timestamp.Timestamp{Sec: m.TxSec, Nsec: int64(m.TxNsec), Source: timestamp.Source(m.TxSrc)}
	return rx, tx
}

// check classifies a decoded record; failure is a protocol error that
// resets the carrying connection.
func (m *ctrlMsg) check() error {
	if m.Version != ctrlVersion {
		return fmt.Errorf("control version %d, want %d", m.Version, ctrlVersion)
	}
	if m.Kind != ctrlKindTimestamps {
		return fmt.Errorf("unknown control kind %d", m.Kind)
	}
	if timestamp.Source(m.RxSrc) > timestamp.Hardware || timestamp.Source(m.TxSrc) > timestamp.Hardware {
		return fmt.Errorf("control record with invalid timestamp source")
	}
	return nil
}

// ctrlEvent is what a connection reader hands to the loop: either a record
// or the error that ended the connection.
type ctrlEvent struct {
	peer string
	conn net.Conn
	msg  ctrlMsg
	err  error
}

// connEvent announces a dialed or accepted control connection.
type connEvent struct {
	peer   string
	conn   net.Conn
	err    error
	dialed bool
}

// readControl pumps records from one control connection into the loop.
// Runs until the connection dies or the context ends; the loop decides what
// a terminal error means for the peer.
func (e *Engine) readControl(ctx context.Context, peer string, conn net.Conn) {
	for {
		var msg ctrlMsg
		err := binary.Read(conn, binary.BigEndian, &msg)
		if err == nil {
			err = msg.check()
		}
		select {
		case e.ctrlCh <- ctrlEvent{peer: peer, conn: conn, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// acceptControl hands inbound peer connections to the loop. Connections
// from addresses not in the peer list are dropped.
func (e *Engine) acceptControl(ctx context.Context) {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Warnf("control accept: %v", err)
			}
			return
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		peer, ok := e.peerByHost(host)
		if !ok {
			log.Warnf("control connection from unconfigured %s, dropping", conn.RemoteAddr())
			conn.Close()
			continue
		}
		select {
		case e.connCh <- connEvent{peer: peer, conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// dialControl connects to a peer's control port off-loop and reports back.
func (e *Engine) dialControl(ctx context.Context, peer string) {
	conn, err := net.DialTimeout("tcp", peer, e.cfg.ControlDialTimeout())
	select {
	case e.connCh <- connEvent{peer: peer, conn: conn, err: err, dialed: true}:
	case <-ctx.Done():
		if conn != nil {
			conn.Close()
		}
	}
}

// sendControl writes one timestamp record for the peer, bounded by a short
// write deadline so a stalled peer cannot block the loop. A write failure
// resets the connection; the next probe tick redials.
func (e *Engine) sendControl(ps *peerSession, seq uint32, rx, tx timestamp.Timestamp) {
	if ps.ctrl == nil {
		ps.ctrlDropped++
		return
	}
	msg := makeCtrlMsg(seq, rx, tx)
	ps.ctrl.SetWriteDeadline(time.Now().Add(ctrlWriteTimeout))
	if err := binary.Write(ps.ctrl, binary.BigEndian, &msg); err != nil {
		log.Warnf("control write to %s: %v", ps.key, err)
		e.resetControl(ps, ps.ctrl)
		return
	}
	ps.ctrl.SetWriteDeadline(time.Time{})
}

const ctrlWriteTimeout = 200 * time.Millisecond

// resetControl tears down one peer's control connection. Other peers are
// unaffected; reconnection happens from the probe tick.
func (e *Engine) resetControl(ps *peerSession, conn net.Conn) {
	if conn != nil {
		conn.Close()
	}
	if ps.ctrl == conn {
		ps.ctrl = nil
	}
}
