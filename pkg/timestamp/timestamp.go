// Package timestamp provides the probe agent's notion of a measurement
// instant: either a userland clock read or a timestamp the kernel attached
// to a received message's control data (SO_TIMESTAMPING).
package timestamp

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Source tells where a timestamp came from. A timestamp whose source is
// Unavailable carries no usable instant and must never enter a calculation.
type Source uint8

const (
	Unavailable Source = iota
	Software
	Hardware
)

func (s Source) String() string {
	switch s {
	case Software:
		return "software"
	case Hardware:
		return "hardware"
	default:
		return "unavailable"
	}
}

// Timestamp is a wall-clock instant with second/nanosecond split, matching
// the kernel's timespec layout so no precision is lost in transit.
type Timestamp struct {
	Sec    int64
	Nsec   int64
	Source Source
}

var (
	ErrMissing   = errors.New("no timestamp in control data")
	ErrMalformed = errors.New("malformed timestamp control entry")
	ErrNoTxID    = errors.New("no transmit id in control data")
)

// Now reads the system real-time clock. Always succeeds.
func Now() Timestamp {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		// CLOCK_REALTIME cannot fail with a valid timespec pointer;
		// fall back to the runtime clock to keep the contract.
		t := time.Now()
		return Timestamp{Sec: t.Unix(), Nsec: int64(t.Nanosecond()), Source: Software}
	}
	return Timestamp{Sec: ts.Sec, Nsec: ts.Nsec, Source: Software}
}

func (t Timestamp) Valid() bool {
	return t.Source != Unavailable
}

func (t Timestamp) Nano() int64 {
	return t.Sec*1e9 + t.Nsec
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Sec, t.Nsec)
}

// Sub returns t-u. Only meaningful when both sides are Valid.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t.Nano() - u.Nano())
}

func (t Timestamp) String() string {
	if !t.Valid() {
		return "unavailable"
	}
	return fmt.Sprintf("%d.%09d/%s", t.Sec, t.Nsec, t.Source)
}

// Extract walks socket control messages from a receive operation and returns
// the kernel-attached timestamp. The hardware slot of SCM_TIMESTAMPING wins
// over the software slot when both are populated, since the NIC clock is the
// closer observer of the wire.
func Extract(ctl []byte) (Timestamp, error) {
	for len(ctl) > 0 {
		hdr, data, rest, err := unix.ParseOneSocketControlMessage(ctl)
		if err != nil {
			return Timestamp{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if hdr.Level == unix.SOL_SOCKET && hdr.Type == unix.SCM_TIMESTAMPING {
			return fromScm(data)
		}
		ctl = rest
	}
	return Timestamp{}, ErrMissing
}

// ExtractTx parses an error-queue read: the SCM_TIMESTAMPING entry plus the
// extended-error entry carrying the kernel's send counter (ee_data with
// SOF_TIMESTAMPING_OPT_ID), which identifies the transmitted packet.
func ExtractTx(ctl []byte) (Timestamp, uint32, error) {
	var (
		ts     Timestamp
		tsErr  error = ErrMissing
		id     uint32
		idSeen bool
	)
	for len(ctl) > 0 {
		hdr, data, rest, err := unix.ParseOneSocketControlMessage(ctl)
		if err != nil {
			return Timestamp{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch {
		case hdr.Level == unix.SOL_SOCKET && hdr.Type == unix.SCM_TIMESTAMPING:
			ts, tsErr = fromScm(data)
		case hdr.Level == unix.IPPROTO_IPV6 && hdr.Type == unix.IPV6_RECVERR,
			hdr.Level == unix.IPPROTO_IP && hdr.Type == unix.IP_RECVERR:
			if uintptr(len(data)) < unsafe.Sizeof(unix.SockExtendedErr{}) {
				return Timestamp{}, 0, ErrMalformed
			}
			ee := (*unix.SockExtendedErr)(unsafe.Pointer(unsafe.SliceData(data)))
			if ee.Origin == unix.SO_EE_ORIGIN_TIMESTAMPING {
				id = ee.Data
				idSeen = true
			}
		}
		ctl = rest
	}
	if tsErr != nil {
		return Timestamp{}, 0, tsErr
	}
	if !idSeen {
		return Timestamp{}, 0, ErrNoTxID
	}
	return ts, id, nil
}

func fromScm(data []byte) (Timestamp, error) {
	if uintptr(len(data)) < unsafe.Sizeof(unix.ScmTimestamping{}) {
		return Timestamp{}, ErrMalformed
	}
	scm := (*unix.ScmTimestamping)(unsafe.Pointer(unsafe.SliceData(data)))
	if hw := scm.Ts[2]; hw.Sec != 0 || hw.Nsec != 0 {
		return Timestamp{Sec: hw.Sec, Nsec: hw.Nsec, Source: Hardware}, nil
	}
	if sw := scm.Ts[0]; sw.Sec != 0 || sw.Nsec != 0 {
		return Timestamp{Sec: sw.Sec, Nsec: sw.Nsec, Source: Software}, nil
	}
	// Entry present but both clocks zero: the kernel had nothing for us.
	return Timestamp{}, ErrMissing
}
