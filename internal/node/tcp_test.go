package node

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuink/node/internal/proto"
)

func TestConnectSucceedsOnMatchingAck(t *testing.T) {
	s, _, relayC, _, _ := newTestSupervisor(t, false, nil)

	done := make(chan struct{})
	var id uint32
	var ok bool
	go func() {
		id, ok, _ = s.Connect("peer-b", "192.168.1.50", 22)
		close(done)
	}()

	require.Eventually(t, func() bool { return relayC.count() == 1 }, time.Second, time.Millisecond)
	req, match := relayC.last().(proto.TcpConnect)
	require.True(t, match)

	s.handleTcpConnected(&proto.TcpConnected{StreamID: req.StreamID, Success: true})
	<-done

	assert.True(t, ok)
	assert.Equal(t, req.StreamID, id)
	assert.Equal(t, 1, s.initStreams.len(), "a successful connect leaves its stream registered for later Send/Close")
}

func TestConnectFailsOnNegativeAck(t *testing.T) {
	s, _, relayC, _, _ := newTestSupervisor(t, false, nil)

	done := make(chan struct{})
	var ok bool
	go func() {
		_, ok, _ = s.Connect("peer-b", "192.168.1.50", 22)
		close(done)
	}()

	require.Eventually(t, func() bool { return relayC.count() == 1 }, time.Second, time.Millisecond)
	req := relayC.last().(proto.TcpConnect)

	s.handleTcpConnected(&proto.TcpConnected{StreamID: req.StreamID, Success: false})
	<-done

	assert.False(t, ok)
	assert.Equal(t, 0, s.initStreams.len())
}

func TestConnectTimesOutWithoutAck(t *testing.T) {
	s, _, _, _, _ := newTestSupervisor(t, false, nil)

	orig := connectAckTimeout
	connectAckTimeout = 10 * time.Millisecond
	defer func() { connectAckTimeout = orig }()

	_, ok, err := s.Connect("peer-b", "192.168.1.50", 22)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, 0, s.initStreams.len())
}

func TestHandleTcpConnectDialsAndPumps(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	s, _, relayC, _, _ := newTestSupervisor(t, false, nil)
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s.handleTcpConnect(&proto.TcpConnect{StreamID: 7, Source: "peer-a", TargetIP: host, TargetPort: uint16(port)})

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("target never accepted the dialed connection")
	}

	require.Eventually(t, func() bool { return relayC.count() == 1 }, time.Second, time.Millisecond)
	ack, ok := relayC.last().(proto.TcpConnected)
	require.True(t, ok)
	assert.True(t, ack.Success)
	assert.Equal(t, 1, s.inStreams.len())
}

func TestHandleTcpDataWritesToTargetConn(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s, _, _, _, _ := newTestSupervisor(t, false, nil)
	key := streamKey{initiator: "peer-a", id: 3}
	s.inStreams.put(key, &incomingStream{conn: server})

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		readDone <- buf[:n]
	}()

	s.handleTcpData(&proto.TcpData{StreamID: 3, Source: "peer-a", Data: []byte("hello")})

	select {
	case got := <-readDone:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("target connection never received forwarded data")
	}
}

func TestHandleTcpCloseFrameTearsDownTargetSide(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s, _, _, _, _ := newTestSupervisor(t, false, nil)
	key := streamKey{initiator: "peer-a", id: 9}
	s.inStreams.put(key, &incomingStream{conn: server})

	s.handleTcpCloseFrame(&proto.TcpClose{StreamID: 9, Source: "peer-a"})

	assert.Equal(t, 0, s.inStreams.len())
}

func TestHandleLocalTCPClosedNotifiesInitiator(t *testing.T) {
	s, _, relayC, _, _ := newTestSupervisor(t, false, nil)
	key := streamKey{initiator: "peer-a", id: 11}
	s.inStreams.put(key, &incomingStream{})

	s.handleLocalTCPClosed(key)

	assert.Equal(t, 0, s.inStreams.len())
	require.Equal(t, 1, relayC.count())
	closed, ok := relayC.last().(proto.TcpClose)
	require.True(t, ok)
	assert.Equal(t, uint32(11), closed.StreamID)
	assert.Equal(t, "peer-a", closed.Target)
}
