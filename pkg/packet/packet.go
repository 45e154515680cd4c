// Package packet implements the probe datagram format and the timestamped
// send/receive primitives on the UDP probe socket.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/GBert/SLANG/pkg/timestamp"
	"golang.org/x/sys/unix"
)

// DATALEN is the fixed size of every probe datagram. Send and receive move
// exactly this many bytes; there are no partial probes.
const DATALEN = 48

// Version of the probe wire format. Cooperating agents must run the same
// version; anything else is dropped on receive.
const Version = 2

type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPong
)

// Payload is the on-wire probe body, big-endian, padded to DATALEN.
// Sec/Nsec carry the sender's userland clock at build time; they are
// informational — the measurement timestamps travel out-of-band.
type Payload struct {
	Version uint8
	Kind    Kind
	_       uint16
	Seq     uint32
	Sec     int64
	Nsec    int32
	_       [28]byte
}

// Packet is one received probe: where it came from, its decoded payload and
// the RX timestamp the kernel attached. Ts.Source is Unavailable when the
// kernel gave us nothing; the payload is valid regardless.
type Packet struct {
	From    unix.Sockaddr
	Payload Payload
	Ts      timestamp.Timestamp
}

// Marshal encodes p into exactly DATALEN bytes, appending to dst.
func (p *Payload) Marshal(dst []byte) ([]byte, error) {
	out, err := binary.Append(dst, binary.BigEndian, p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if len(out)-len(dst) != DATALEN {
		return nil, fmt.Errorf("payload encodes to %d bytes, want %d", len(out)-len(dst), DATALEN)
	}
	return out, nil
}

// Unmarshal decodes a received datagram. Short datagrams and foreign
// versions are rejected.
func (p *Payload) Unmarshal(buf []byte) error {
	if len(buf) < DATALEN {
		return fmt.Errorf("short probe: %d bytes, want %d", len(buf), DATALEN)
	}
	if _, err := binary.Decode(buf[:DATALEN], binary.BigEndian, p); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.Version != Version {
		return fmt.Errorf("probe version %d, want %d", p.Version, Version)
	}
	return nil
}
