package timestamp_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/GBert/SLANG/pkg/timestamp"
)

// cmsg builds one native-layout control message the way the kernel lays
// them out: cmsghdr {len, level, type} followed by data, padded to 8.
func cmsg(level, typ int32, data []byte) []byte {
	buf := binary.NativeEndian.AppendUint64(nil, uint64(16+len(data)))
	buf = binary.NativeEndian.AppendUint32(buf, uint32(level))
	buf = binary.NativeEndian.AppendUint32(buf, uint32(typ))
	buf = append(buf, data...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// scmData encodes an ScmTimestamping body: software slot, legacy slot,
// hardware slot.
func scmData(sw, hw unix.Timespec) []byte {
	var buf []byte
	for _, ts := range []unix.Timespec{sw, {}, hw} {
		buf = binary.NativeEndian.AppendUint64(buf, uint64(ts.Sec))
		buf = binary.NativeEndian.AppendUint64(buf, uint64(ts.Nsec))
	}
	return buf
}

func extErrData(origin uint8, id uint32) []byte {
	buf := binary.NativeEndian.AppendUint32(nil, 0) // errno
	buf = append(buf, origin, 0, 0, 0)              // origin, type, code, pad
	buf = binary.NativeEndian.AppendUint32(buf, 0)  // info
	buf = binary.NativeEndian.AppendUint32(buf, id) // data
	return buf
}

func TestNowIsSoftware(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts := timestamp.Now()
	after := time.Now().Add(time.Second)

	assert.Equal(t, timestamp.Software, ts.Source)
	assert.True(t, ts.Valid())
	assert.True(t, ts.Time().After(before) && ts.Time().Before(after))
}

func TestExtractSoftware(t *testing.T) {
	ctl := cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPING,
		scmData(unix.Timespec{Sec: 100, Nsec: 42}, unix.Timespec{}))

	ts, err := timestamp.Extract(ctl)
	require.NoError(t, err)
	assert.Equal(t, timestamp.Software, ts.Source)
	assert.Equal(t, int64(100), ts.Sec)
	assert.Equal(t, int64(42), ts.Nsec)
}

func TestExtractHardwarePrecedence(t *testing.T) {
	ctl := cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPING,
		scmData(unix.Timespec{Sec: 100, Nsec: 42}, unix.Timespec{Sec: 100, Nsec: 41}))

	ts, err := timestamp.Extract(ctl)
	require.NoError(t, err)
	assert.Equal(t, timestamp.Hardware, ts.Source)
	assert.Equal(t, int64(41), ts.Nsec)
}

func TestExtractMissing(t *testing.T) {
	_, err := timestamp.Extract(nil)
	assert.ErrorIs(t, err, timestamp.ErrMissing)

	// Unrelated control entry only.
	_, err = timestamp.Extract(cmsg(unix.SOL_SOCKET, unix.SCM_RIGHTS, make([]byte, 8)))
	assert.ErrorIs(t, err, timestamp.ErrMissing)

	// Entry present but both clocks zero.
	_, err = timestamp.Extract(cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPING,
		scmData(unix.Timespec{}, unix.Timespec{})))
	assert.ErrorIs(t, err, timestamp.ErrMissing)
}

func TestExtractMalformed(t *testing.T) {
	// Truncated ScmTimestamping body.
	_, err := timestamp.Extract(cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPING, make([]byte, 16)))
	assert.ErrorIs(t, err, timestamp.ErrMalformed)
}

func TestExtractTx(t *testing.T) {
	ctl := cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPING,
		scmData(unix.Timespec{Sec: 7, Nsec: 9}, unix.Timespec{}))
	ctl = append(ctl, cmsg(unix.IPPROTO_IPV6, unix.IPV6_RECVERR,
		extErrData(unix.SO_EE_ORIGIN_TIMESTAMPING, 321))...)

	ts, id, err := timestamp.ExtractTx(ctl)
	require.NoError(t, err)
	assert.Equal(t, uint32(321), id)
	assert.Equal(t, timestamp.Software, ts.Source)
	assert.Equal(t, int64(7), ts.Sec)
}

func TestExtractTxWithoutID(t *testing.T) {
	ctl := cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPING,
		scmData(unix.Timespec{Sec: 7, Nsec: 9}, unix.Timespec{}))

	_, _, err := timestamp.ExtractTx(ctl)
	assert.ErrorIs(t, err, timestamp.ErrNoTxID)
}

func TestSub(t *testing.T) {
	a := timestamp.Timestamp{Sec: 10, Nsec: 500, Source: timestamp.Software}
	b := timestamp.Timestamp{Sec: 10, Nsec: 200, Source: timestamp.Software}
	assert.Equal(t, 300*time.Nanosecond, a.Sub(b))
}
