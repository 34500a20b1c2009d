// Package tun wraps the virtual point-to-point layer-3 interface (C1):
// opens (or auto-heals onto) an overlay address, brings the interface up,
// and exposes split read/write halves carrying raw IPv4 frames with no
// link-layer prefix.
//
// TUN creation itself is adopted from
// _examples/other_examples/...balookrd-outline-cli-ws__internal-tun_native.go
// (github.com/songgao/water) — the teacher has no raw-TUN code of its own
// since it tunnels over libp2p streams rather than a kernel device.
package tun

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"runtime"
	"sync"

	"github.com/songgao/water"

	"github.com/syuink/node/internal/logging"
	"github.com/syuink/node/internal/overlaynet"
)

var log = logging.Logger("tun")

// MaxBindAttempts bounds the auto-healing bind per spec.md §4.1.
const MaxBindAttempts = 20

// InterfaceOpenError is returned when every auto-heal attempt fails.
type InterfaceOpenError struct {
	Attempts int
	LastErr  error
}

func (e *InterfaceOpenError) Error() string {
	return fmt.Sprintf("tun: failed to open interface after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *InterfaceOpenError) Unwrap() error { return e.LastErr }

// Device is the opened virtual interface: an IPv4 address within the
// overlay subnet, and a mutex-guarded write half (shared across C4, C6
// inbound, and C8 relayed-inbound per spec.md §5).
type Device struct {
	iface   *water.Interface
	ip      net.IP
	subnet  *overlaynet.Subnet
	writeMu sync.Mutex
}

// Open opens the TUN interface, assigning the first free address starting
// at startIP within subnet. On bind failure it tries again, incrementing
// the last octet (skipping .0/.255), for at most MaxBindAttempts attempts
// in all.
func Open(subnet *overlaynet.Subnet, startIP net.IP, ifaceName string) (*Device, error) {
	ip := startIP.To4()
	if ip == nil {
		return nil, errors.New("tun: startIP is not IPv4")
	}

	var lastErr error
	for attempt := 0; attempt < MaxBindAttempts; attempt++ {
		cfg := water.Config{DeviceType: water.TUN}
		if ifaceName != "" {
			cfg.Name = ifaceName
		}

		iface, err := water.New(cfg)
		if err != nil {
			lastErr = err
			ip = overlaynet.NextOctet(ip)
			continue
		}

		if err := assignAndBringUp(iface.Name(), ip, subnet.Mask()); err != nil {
			iface.Close()
			lastErr = err
			ip = overlaynet.NextOctet(ip)
			continue
		}

		log.Infof("tun interface %s bound to %s (attempt %d)", iface.Name(), ip, attempt+1)
		return &Device{iface: iface, ip: ip, subnet: subnet}, nil
	}

	return nil, &InterfaceOpenError{Attempts: MaxBindAttempts, LastErr: lastErr}
}

// IP returns the overlay address assigned to this device.
func (d *Device) IP() net.IP { return d.ip }

// Name returns the OS interface name.
func (d *Device) Name() string { return d.iface.Name() }

// ReadPacket reads one raw IPv4 frame. Returning io.EOF or any error from
// this call is fatal to the node per spec.md §7 — the caller is expected
// to abort all spawned tasks, run cleanup, and exit.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	n, err := d.iface.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("tun: read: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// WritePacket writes one raw IPv4 frame, serialised by the shared write
// mutex — the single writer discipline required by spec.md §5 (no other
// mutex may be held across this call).
func (d *Device) WritePacket(frame []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.iface.Write(frame)
	if err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	return nil
}

// Close closes the underlying OS interface.
func (d *Device) Close() error {
	return d.iface.Close()
}

// assignAndBringUp is the external collaborator boundary named in spec.md
// §1 (OS route/interface mutation is out of scope as core logic, but
// something has to invoke the OS command). Mirrors the
// exec.Command-per-platform pattern; only Linux/Darwin are wired since the
// reference corpus targets those.
func assignAndBringUp(name string, ip net.IP, mask net.IP) error {
	switch runtime.GOOS {
	case "linux":
		if err := run("ip", "addr", "add", fmt.Sprintf("%s/24", ip.String()), "dev", name); err != nil {
			return err
		}
		return run("ip", "link", "set", "dev", name, "up")
	case "darwin":
		if err := run("ifconfig", name, ip.String(), ip.String(), "netmask", mask.String(), "up"); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("tun: unsupported OS %q for interface assignment", runtime.GOOS)
	}
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}
