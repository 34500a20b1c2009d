package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	routes map[string]string
}

func (f *fakeResolver) PeerForIP(ip net.IP) (string, bool) {
	peer, ok := f.routes[ip.String()]
	return peer, ok
}

type fakeConnector struct {
	success bool
	sent    [][]byte
	closed  bool
}

func (f *fakeConnector) Connect(peerID, targetIP string, targetPort uint16) (uint32, bool, error) {
	return 1, f.success, nil
}
func (f *fakeConnector) Send(streamID uint32, data []byte) { f.sent = append(f.sent, data) }
func (f *fakeConnector) Close(streamID uint32)             { f.closed = true }

// concurrentConnector mints its own stream id per Connect, the same way
// node.Connect's independent atomic counter does, so tests can exercise
// many overlapping CONNECTs the way fakeConnector's fixed id=1 cannot. It
// also records which id it handed back for each requested target port, so
// a test with one goroutine per port can later address its own stream by
// looking its id up here instead of reaching into server internals.
type concurrentConnector struct {
	next uint32

	mu        sync.Mutex
	idForPort map[uint16]uint32
}

func newConcurrentConnector() *concurrentConnector {
	return &concurrentConnector{idForPort: make(map[uint16]uint32)}
}

func (f *concurrentConnector) Connect(peerID, targetIP string, targetPort uint16) (uint32, bool, error) {
	id := atomic.AddUint32(&f.next, 1)
	f.mu.Lock()
	f.idForPort[targetPort] = id
	f.mu.Unlock()
	return id, true, nil
}
func (f *concurrentConnector) Send(streamID uint32, data []byte) {}
func (f *concurrentConnector) Close(streamID uint32)             {}

func (f *concurrentConnector) streamIDForPort(port uint16) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idForPort[port]
}

func dialAndHandshake(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, resp)
	return conn
}

func sendConnectIPv4(t *testing.T, conn net.Conn, ip net.IP, port uint16) {
	t.Helper()
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip.To4()...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	req = append(req, portBuf...)
	_, err := conn.Write(req)
	require.NoError(t, err)
}

func TestConnectToRoutedPeerSucceeds(t *testing.T) {
	resolver := &fakeResolver{routes: map[string]string{"192.168.10.5": "peer-b"}}
	connector := &fakeConnector{success: true}
	srv, err := Listen(0, resolver, connector)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialAndHandshake(t, srv)
	defer conn.Close()
	sendConnectIPv4(t, conn, net.IPv4(192, 168, 10, 5), 22)

	reply := make([]byte, 10)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplySuccess), reply[1])
}

func TestConnectWithNoRouteRepliesNetworkUnreachable(t *testing.T) {
	resolver := &fakeResolver{routes: map[string]string{}}
	connector := &fakeConnector{success: true}
	srv, err := Listen(0, resolver, connector)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialAndHandshake(t, srv)
	defer conn.Close()
	sendConnectIPv4(t, conn, net.IPv4(203, 0, 113, 9), 443)

	reply := make([]byte, 10)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyNetworkUnreachable), reply[1])
}

func TestConnectRefusedByPeerRepliesHostUnreachable(t *testing.T) {
	resolver := &fakeResolver{routes: map[string]string{"192.168.10.5": "peer-b"}}
	connector := &fakeConnector{success: false}
	srv, err := Listen(0, resolver, connector)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialAndHandshake(t, srv)
	defer conn.Close()
	sendConnectIPv4(t, conn, net.IPv4(192, 168, 10, 5), 22)

	reply := make([]byte, 10)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyHostUnreachable), reply[1])
}

func TestDomainAddressMustBeLiteralIPv4(t *testing.T) {
	resolver := &fakeResolver{routes: map[string]string{}}
	connector := &fakeConnector{success: true}
	srv, err := Listen(0, resolver, connector)
	require.NoError(t, err)
	defer srv.Close()

	conn := dialAndHandshake(t, srv)
	defer conn.Close()

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x00, 0x50)
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(ReplyHostUnreachable), reply[1], "non-numeric domain must be refused before any rendezvous traffic")
}

// TestConcurrentClientsRouteToTheirOwnStream guards against s.streams being
// keyed on an id this package mints itself rather than the id Connect
// returns: with many SOCKS5 clients connecting at once, Deliver must reach
// each client's own connection, never a sibling's. Each goroutine uses a
// distinct target port solely as a correlation key so the test can recover
// "which id did Connect hand back for my request" without reaching into
// server internals.
func TestConcurrentClientsRouteToTheirOwnStream(t *testing.T) {
	resolver := &fakeResolver{routes: map[string]string{"192.168.10.5": "peer-b"}}
	connector := newConcurrentConnector()
	srv, err := Listen(0, resolver, connector)
	require.NoError(t, err)
	defer srv.Close()

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			port := uint16(10000 + i)
			conn := dialAndHandshake(t, srv)
			defer conn.Close()
			sendConnectIPv4(t, conn, net.IPv4(192, 168, 10, 5), port)

			reply := make([]byte, 10)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, err := io.ReadFull(conn, reply)
			require.NoError(t, err)
			require.Equal(t, byte(ReplySuccess), reply[1])

			streamID := connector.streamIDForPort(port)
			require.NotZero(t, streamID)

			payload := []byte{byte(i), byte(i), byte(i)}
			srv.Deliver(streamID, Inbound{Data: payload})

			buf := make([]byte, len(payload))
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			assert.Equal(t, payload, buf, "client %d must receive only its own stream's data", i)
		}(i)
	}
	wg.Wait()
}
