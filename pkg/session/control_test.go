package session

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GBert/SLANG/pkg/timestamp"
)

func TestCtrlMsgWireSize(t *testing.T) {
	assert.Equal(t, 40, binary.Size(&ctrlMsg{}))
}

func TestCtrlMsgRoundTrip(t *testing.T) {
	rx := timestamp.Timestamp{Sec: 11, Nsec: 22, Source: timestamp.Hardware}
	tx := timestamp.Timestamp{Sec: 33, Nsec: 44, Source: timestamp.Software}
	in := makeCtrlMsg(9, rx, tx)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &in))

	var out ctrlMsg
	require.NoError(t, binary.Read(&buf, binary.BigEndian, &out))
	require.NoError(t, out.check())

	gotRx, gotTx := out.timestamps()
	assert.Equal(t, rx, gotRx)
	assert.Equal(t, tx, gotTx)
	assert.Equal(t, uint32(9), out.Seq)
}

func TestCtrlMsgUnavailableSurvives(t *testing.T) {
	in := makeCtrlMsg(1, timestamp.Timestamp{}, timestamp.Timestamp{})
	rx, tx := in.timestamps()
	assert.False(t, rx.Valid())
	assert.False(t, tx.Valid())
}

func TestCtrlMsgCheck(t *testing.T) {
	m := makeCtrlMsg(1, timestamp.Now(), timestamp.Now())
	require.NoError(t, m.check())

	bad := m
	bad.Version = ctrlVersion + 1
	assert.Error(t, bad.check())

	bad = m
	bad.Kind = 0xff
	assert.Error(t, bad.check())

	bad = m
	bad.RxSrc = 0x7f
	assert.Error(t, bad.check())
}
