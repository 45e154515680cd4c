package socket_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/GBert/SLANG/pkg/socket"
)

func TestBindPair(t *testing.T) {
	udpFD, tcpFD, err := socket.BindPair(0)
	require.NoError(t, err)
	defer unix.Close(udpFD)
	defer unix.Close(tcpFD)

	udpPort, err := socket.LocalPort(udpFD)
	require.NoError(t, err)
	assert.Greater(t, udpPort, 0)

	tcpPort, err := socket.LocalPort(tcpFD)
	require.NoError(t, err)
	assert.Greater(t, tcpPort, 0)
}

func TestBindPairPortInUse(t *testing.T) {
	udpFD, tcpFD, err := socket.BindPair(0)
	require.NoError(t, err)
	defer unix.Close(udpFD)
	defer unix.Close(tcpFD)

	port, err := socket.LocalPort(udpFD)
	require.NoError(t, err)

	// Second bind on the same port must fail deterministically, not
	// silently succeed.
	_, _, err = socket.BindPair(port)
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EADDRINUSE)
}

func TestDualStackReceivesIPv4(t *testing.T) {
	udpFD, tcpFD, err := socket.BindPair(0)
	require.NoError(t, err)
	defer unix.Close(udpFD)
	defer unix.Close(tcpFD)

	port, err := socket.LocalPort(udpFD)
	require.NoError(t, err)

	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("probe"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, from, err := unix.Recvfrom(udpFD, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "probe", string(buf[:n]))
	assert.Equal(t, "127.0.0.1", socket.AddrHost(from))
}

func TestControlListenerAccepts(t *testing.T) {
	udpFD, tcpFD, err := socket.BindPair(0)
	require.NoError(t, err)
	defer unix.Close(udpFD)

	port, err := socket.LocalPort(tcpFD)
	require.NoError(t, err)

	ln, err := socket.Listener(tcpFD)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
		done <- err
	}()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	conn.Close()
	require.NoError(t, <-done)
}

func TestAddrRoundTrip(t *testing.T) {
	sa, err := socket.ResolveAddr("192.0.2.1:7")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:7", socket.AddrToString(sa))
	assert.Equal(t, "192.0.2.1", socket.AddrHost(sa))

	sa, err = socket.ResolveAddr("[2001:db8::1]:9")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]:9", socket.AddrToString(sa))
}

func TestEnableTimestamping(t *testing.T) {
	udpFD, tcpFD, err := socket.BindPair(0)
	require.NoError(t, err)
	defer unix.Close(udpFD)
	defer unix.Close(tcpFD)

	// RX-only must work on any modern kernel.
	require.NoError(t, socket.EnableTimestamping(udpFD, false))
}

