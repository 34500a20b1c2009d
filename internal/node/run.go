package node

import (
	"context"
	"time"

	"github.com/syuink/node/internal/proto"
)

// tunReadBufferSize bounds one TUN read; overlay frames are IPv4, well
// under the Ethernet-class MTUs this buffer accommodates.
const tunReadBufferSize = 65535

// gatewayGCInterval is how often idle NAT flows are swept, per spec.md
// §5's "GC expires flows idle beyond idleAfter" being driven periodically.
const gatewayGCInterval = 10 * time.Second

// Run is the supervisor's single cooperative event loop (spec.md §4.8):
// it multiplexes the shutdown signal, external commands, inbound
// rendezvous frames, direct-transport events, TUN reads, and (on its own
// schedule) gateway flow GC, performing at most one table mutation per
// iteration. It returns when ctx is cancelled or the TUN read fails
// fatally, having run cleanup first (spec.md §7/§8 invariant 5).
func (s *Supervisor) Run(ctx context.Context) error {
	tunIn := make(chan []byte, 32)
	tunErr := make(chan error, 1)
	go s.tunReadLoop(tunIn, tunErr)

	var gcTick <-chan time.Time
	if s.gw != nil {
		ticker := time.NewTicker(gatewayGCInterval)
		defer ticker.Stop()
		gcTick = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case err := <-tunErr:
			log.Errorf("node: tun read failed, shutting down: %v", err)
			runErr = err
			break loop

		case services := <-s.commands:
			s.rendezvous.Send(proto.NewRegisterServices(s.selfID, services))

		case v, ok := <-s.rendezvousIn:
			if !ok {
				continue
			}
			s.handleRendezvousFrame(v)

		case peerID := <-s.connected:
			s.handleDirectConnected(peerID)

		case peerID := <-s.disconnected:
			s.handleDirectDisconnected(peerID)

		case frame := <-s.directIn:
			s.writeDecoded(frame)

		case frame := <-tunIn:
			s.handleTunFrame(frame)

		case key := <-s.localTCPClosed:
			s.handleLocalTCPClosed(key)

		case in, ok := <-s.reflIn:
			if ok {
				s.handleReflectorInbound(in)
			}

		case <-gcTick:
			s.gw.GC()
		}
	}

	if err := s.routes.Cleanup(); err != nil {
		log.Warnf("node: route cleanup: %v", err)
	}
	return runErr
}

func (s *Supervisor) tunReadLoop(out chan<- []byte, errc chan<- error) {
	buf := make([]byte, tunReadBufferSize)
	for {
		n, err := s.tun.ReadPacket(buf)
		if err != nil {
			errc <- err
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		out <- frame
	}
}
