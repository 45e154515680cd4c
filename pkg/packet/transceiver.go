package packet

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/GBert/SLANG/pkg/timestamp"
	"golang.org/x/sys/unix"
)

// Mode selects where TX timestamps come from. Set once at startup.
type Mode uint8

const (
	// ModeUserland reads the clock immediately before the send syscall.
	// Systematically understates latency by the kernel send path, but
	// works everywhere.
	ModeUserland Mode = iota
	// ModeKernel relies on the post-transmission completion the kernel
	// delivers on the socket error queue.
	ModeKernel
)

func (m Mode) String() string {
	if m == ModeKernel {
		return "kernel"
	}
	return "userland"
}

// ErrNoCompletion means the error queue had nothing pending. Expected
// between sends; never a fault.
var ErrNoCompletion = errors.New("no tx completion pending")

// TxResult is the outcome of a send. In userland mode Ts is the pre-send
// clock read. In kernel mode Pending is set and ID is the kernel send
// counter a later error-queue completion will carry.
type TxResult struct {
	Ts      timestamp.Timestamp
	ID      uint32
	Pending bool
}

// Transceiver moves fixed-size probes over one UDP socket. Send and PollTx
// are called from the session loop only; Recv runs in its own reader
// goroutine, which is why the anomaly counter is atomic.
type Transceiver struct {
	fd   int
	mode Mode

	// Mirrors the kernel's OPT_ID counter: incremented per successful
	// send, so the value before the increment identifies that packet.
	txID uint32

	sendBuf []byte
	recvBuf []byte
	ctlBuf  []byte
	errBuf  []byte
	errCtl  []byte

	rxAnomalies atomic.Uint64
}

// 64 bytes fit one ScmTimestamping plus its cmsghdr; leave room for the
// extended-error entry and future cmsgs.
const ctlBufSize = 256

func NewTransceiver(fd int, mode Mode) *Transceiver {
	return &Transceiver{
		fd:      fd,
		mode:    mode,
		recvBuf: make([]byte, DATALEN+1),
		ctlBuf:  make([]byte, ctlBufSize),
		errBuf:  make([]byte, 1),
		errCtl:  make([]byte, ctlBufSize),
	}
}

func (x *Transceiver) Mode() Mode { return x.mode }

// Send transmits one probe of exactly DATALEN bytes to the destination.
// Transport failures wrap the OS error and are not retried here; retry
// policy belongs to the session layer.
func (x *Transceiver) Send(p Payload, to unix.Sockaddr) (TxResult, error) {
	var err error
	if x.sendBuf, err = p.Marshal(x.sendBuf[:0]); err != nil {
		return TxResult{}, err
	}

	var res TxResult
	if x.mode == ModeUserland {
		// Clock read strictly before the send syscall.
		res.Ts = timestamp.Now()
	}
	if err = unix.Sendto(x.fd, x.sendBuf, 0, to); err != nil {
		return TxResult{}, fmt.Errorf("sendto %s: %w", AddrLabel(to), err)
	}
	if x.mode == ModeKernel {
		res.ID = x.txID
		res.Pending = true
		x.txID++
	}
	return res, nil
}

// Recv blocks for one probe datagram plus ancillary data. A failed RX
// timestamp extraction never discards the packet: the payload and address
// are returned with Ts.Source Unavailable and the anomaly counted. A
// payload that does not parse is a transport-level error.
func (x *Transceiver) Recv() (Packet, error) {
	n, ctlN, _, from, err := unix.Recvmsg(x.fd, x.recvBuf, x.ctlBuf, 0)
	if err != nil {
		return Packet{}, fmt.Errorf("recvmsg: %w", err)
	}

	pkt := Packet{From: from}
	if err := pkt.Payload.Unmarshal(x.recvBuf[:n]); err != nil {
		return Packet{}, err
	}

	ts, err := timestamp.Extract(x.ctlBuf[:ctlN])
	if err != nil {
		x.rxAnomalies.Add(1)
	} else {
		pkt.Ts = ts
	}
	return pkt, nil
}

// PollTx performs one non-blocking error-queue read and returns the TX
// timestamp and the send counter it belongs to. ErrNoCompletion when the
// queue is empty.
func (x *Transceiver) PollTx() (timestamp.Timestamp, uint32, error) {
	_, ctlN, _, _, err := unix.Recvmsg(x.fd, x.errBuf, x.errCtl, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return timestamp.Timestamp{}, 0, ErrNoCompletion
		}
		return timestamp.Timestamp{}, 0, fmt.Errorf("recvmsg errqueue: %w", err)
	}
	return timestamp.ExtractTx(x.errCtl[:ctlN])
}

// RxAnomalies counts receives whose payload arrived intact but whose RX
// timestamp could not be extracted.
func (x *Transceiver) RxAnomalies() uint64 {
	return x.rxAnomalies.Load()
}

// AddrLabel renders a destination for error messages without pulling the
// socket package into the hot path signature.
func AddrLabel(sa unix.Sockaddr) string {
	if sa == nil {
		return "connected peer"
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%v:%d", v.Addr, v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("%v:%d", v.Addr, v.Port)
	default:
		return fmt.Sprintf("%T", sa)
	}
}
