// Package syuink is the embedder surface for a single overlay node: the
// thin top-level entry point that assembles every internal component
// (virtual interface, route applier, multicast reflector, userland NAT,
// rendezvous client, direct transport, SOCKS5 bridge) and hands them to
// the node supervisor, mirroring how the teacher exposes its peer runtime
// through internal/app.Run behind a thin top-level app.go.
package syuink

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/syuink/node/internal/config"
	"github.com/syuink/node/internal/gateway"
	"github.com/syuink/node/internal/identity"
	"github.com/syuink/node/internal/logging"
	"github.com/syuink/node/internal/node"
	"github.com/syuink/node/internal/overlaynet"
	"github.com/syuink/node/internal/proto"
	"github.com/syuink/node/internal/reflector"
	"github.com/syuink/node/internal/rendezvous"
	"github.com/syuink/node/internal/routetable"
	"github.com/syuink/node/internal/socks5"
	"github.com/syuink/node/internal/transport"
	"github.com/syuink/node/internal/tun"
	"github.com/syuink/node/internal/util"
)

var log = logging.Logger("syuink")

// gatewayHandler mirrors internal/node's unexported interface of the same
// name, so a disabled gateway can be represented as a true nil interface
// rather than a typed-nil *gateway.Gateway (which would make node.go's
// "s.gw != nil" checks see a non-nil interface wrapping a nil pointer).
type gatewayHandler interface {
	HandleFrame(frame []byte)
	GC()
	FlowCount() int
}

// Options configures one Start invocation. PeerDir is the directory the
// relative paths in Cfg (identity file, etc.) are resolved against,
// following the teacher's PeerDir/CfgPath/Cfg shape in app.Options.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Self-description advertised to the rendezvous on Join, per spec.md
	// §6's start() parameter list.
	Name       string
	OS         string
	AppVersion string
	DeviceType string
	IsGateway  bool
}

// Node is the handle an embedder holds for a running overlay node: the
// "explicit Lifecycle object created per start invocation" spec.md §9
// calls for, released by Close. Embedders reach the runtime commands
// through it rather than through package-level state.
type Node struct {
	id          string
	allocatedIP net.IP

	sup    *node.Supervisor
	tunDev *tun.Device
	rv     *rendezvous.Client
	direct *transport.Transport
	routes *routetable.Table
	gw     *gateway.Gateway
	refl   *reflector.Reflector
	socks  *socks5.Server

	watchStop chan struct{}
	cfgPath   string

	runErr chan error
}

// Start assembles and runs one overlay node. It returns once the node has
// successfully joined the rendezvous and bound its local surfaces
// (allocated IP, SOCKS5 port) — matching spec.md §6's
// "→ (allocatedIp, socks5Port)" — with the supervisor's event loop running
// in the background until ctx is cancelled or Close is called.
func Start(ctx context.Context, opt Options) (*Node, error) {
	cfg := opt.Cfg

	idFile := util.ResolvePath(opt.PeerDir, cfg.Identity.IDFile)
	nodeID, isNew, err := identity.LoadOrCreate(idFile)
	if err != nil {
		return nil, fmt.Errorf("syuink: load identity: %w", err)
	}
	if isNew {
		log.Infof("minted new node id %s", nodeID)
	}

	subnet, err := overlaynet.Parse(cfg.Overlay.CIDR)
	if err != nil {
		return nil, fmt.Errorf("syuink: overlay cidr: %w", err)
	}
	startIP := net.ParseIP(cfg.Overlay.StartIP)
	if startIP == nil {
		return nil, fmt.Errorf("syuink: overlay.start_ip %q is not an IP", cfg.Overlay.StartIP)
	}

	tunDev, err := tun.Open(subnet, startIP, cfg.Overlay.IfaceName)
	if err != nil {
		return nil, fmt.Errorf("syuink: open tun: %w", err)
	}

	direct, err := transport.Listen(
		nodeID,
		cfg.Direct.ListenPort,
		time.Duration(cfg.Direct.KeepAliveSec)*time.Second,
		time.Duration(cfg.Direct.ConnectTimeoutSec)*time.Second,
	)
	if err != nil {
		tunDev.Close()
		return nil, fmt.Errorf("syuink: listen direct transport: %w", err)
	}

	routes := routetable.New(tunDev.Name())

	// gwHandler stays a nil interface (not a typed-nil *gateway.Gateway) when
	// gatewaying is off, so node.go's "s.gw != nil" checks behave correctly.
	var gw *gateway.Gateway
	var gwHandler gatewayHandler
	if opt.IsGateway || cfg.Gateway.Enabled || len(cfg.Services) > 0 {
		gw = gateway.New(tunDev, time.Duration(cfg.Gateway.FlowIdleSec)*time.Second)
		gwHandler = gw
	}

	refl, err := reflector.Open()
	if err != nil {
		log.Warnf("syuink: multicast reflector unavailable: %v", err)
	}

	name := opt.Name
	if name == "" {
		name = nodeID
	}
	rv, err := rendezvous.Dial(cfg.Rendezvous.BaseURL, cfg.Rendezvous.Group, cfg.Rendezvous.Token, rendezvous.JoinInfo{
		ID:         nodeID,
		IP:         tunDev.IP().String(),
		Name:       name,
		P2PPort:    direct.LocalPort(),
		OS:         opt.OS,
		Version:    opt.AppVersion,
		DeviceType: opt.DeviceType,
		IsGateway:  opt.IsGateway,
	})
	if err != nil {
		direct.Close()
		tunDev.Close()
		return nil, fmt.Errorf("syuink: dial rendezvous: %w", err)
	}

	sup := node.New(node.Deps{
		SelfID:       nodeID,
		Subnet:       subnet,
		IsGateway:    opt.IsGateway,
		TUN:          tunDev,
		Rendezvous:   rv,
		Direct:       direct,
		Routes:       routes,
		Gateway:      gwHandler,
		Reflector:    refl,
		RendezvousIn: rv.Inbound,
		DirectIn:     direct.In,
		Connected:    direct.Connected,
		Disconnected: direct.Disconnected,
		ReflectorIn:  reflectorChan(refl),
	})

	socksSrv, err := socks5.Listen(cfg.Socks5.PreferredPort, sup, sup)
	if err != nil {
		rv.Close()
		direct.Close()
		tunDev.Close()
		return nil, fmt.Errorf("syuink: listen socks5: %w", err)
	}
	sup.SetSocks5(socksSrv)

	if len(cfg.Services) > 0 {
		sup.UpdateServices(cfg.Services)
	}

	n := &Node{
		id:          nodeID,
		allocatedIP: tunDev.IP(),
		sup:         sup,
		tunDev:      tunDev,
		rv:          rv,
		direct:      direct,
		routes:      routes,
		gw:          gw,
		refl:        refl,
		socks:       socksSrv,
		cfgPath:     opt.CfgPath,
		runErr:      make(chan error, 1),
	}

	go func() { n.runErr <- sup.Run(ctx) }()

	if opt.CfgPath != "" {
		stop := make(chan struct{})
		if err := config.Watch(opt.CfgPath, stop, sup.UpdateServices); err != nil {
			log.Warnf("syuink: config hot-reload unavailable: %v", err)
		} else {
			n.watchStop = stop
		}
	}

	return n, nil
}

// ID returns this node's persisted NodeId.
func (n *Node) ID() string { return n.id }

// AllocatedIP returns the overlay address bound to the virtual interface.
func (n *Node) AllocatedIP() net.IP { return n.allocatedIP }

// Socks5Port returns the bound SOCKS5 listener port.
func (n *Node) Socks5Port() int { return n.socks.Port() }

// UpdateServices forwards a runtime service-list change, per spec.md §6's
// "Runtime command set: UpdateServices(list)".
func (n *Node) UpdateServices(services []proto.ServiceDecl) {
	n.sup.UpdateServices(services)
}

// SubscribePeerUpdates registers a channel for peer snapshots, per
// spec.md §6: "Events emitted: peer snapshots on every membership or
// transport-status change."
func (n *Node) SubscribePeerUpdates(ch chan node.PeerInfo) {
	n.sup.SubscribePeerUpdates(ch)
}

// DiagSnapshot reports operational counters (SPEC_FULL §6 supplement).
func (n *Node) DiagSnapshot() map[string]any {
	return n.sup.DiagSnapshot()
}

// Wait blocks until the supervisor's event loop returns (ctx cancellation
// or a fatal TUN error) and reports its result.
func (n *Node) Wait() error {
	return <-n.runErr
}

// Close releases every component this Node owns. Safe to call after Wait
// returns; Run's own Cleanup has already been invoked by then, so Close
// only needs to close what it directly owns.
func (n *Node) Close() error {
	if n.watchStop != nil {
		close(n.watchStop)
	}
	if n.refl != nil {
		n.refl.Close()
	}
	n.socks.Close()
	n.rv.Close()
	n.direct.Close()
	return n.tunDev.Close()
}

// reflectorChan adapts a possibly-nil *reflector.Reflector into a receive
// channel: a disabled reflector (join failed) must not block the
// supervisor's select forever, so its case simply never fires.
func reflectorChan(r *reflector.Reflector) <-chan reflector.Inbound {
	if r == nil {
		return nil
	}
	return r.In
}
