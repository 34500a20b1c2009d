// Package routetable implements the route-table applier (C2): given a
// desired set of /32 overlay destinations, it diffs against what is
// currently applied and invokes the OS route command for each add/remove,
// idempotently. OS route mutation itself is an external-collaborator
// boundary per spec.md §1 — this package only decides what needs applying
// and shells out, it does not reimplement routing.
package routetable

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/syuink/node/internal/logging"
)

var log = logging.Logger("routetable")

// addRouteFn/removeRouteFn are indirected through vars so tests can stub
// out the OS route mutation without requiring root or a real interface.
var (
	addRouteFn    = addRoute
	removeRouteFn = removeRoute
)

// Table tracks the set of /32 overlay routes currently applied to the OS,
// and the TUN interface name they route through.
type Table struct {
	mu        sync.Mutex
	iface     string
	applied   map[string]struct{}
}

// New returns a Table that applies routes through the given TUN interface name.
func New(iface string) *Table {
	return &Table{iface: iface, applied: make(map[string]struct{})}
}

// Apply computes desired \ applied (add) and applied \ desired (remove)
// and invokes the OS route mutation facility for each. "Already exists" on
// add, and "no such route" on remove, are treated as success (idempotent).
func (t *Table) Apply(desired []net.IP) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[string]struct{}, len(desired))
	for _, ip := range desired {
		want[ip.String()] = struct{}{}
	}

	var firstErr error
	for ip := range want {
		if _, ok := t.applied[ip]; ok {
			continue
		}
		if err := addRouteFn(t.iface, ip); err != nil {
			log.Warnf("add route %s: %v", ip, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		t.applied[ip] = struct{}{}
	}

	for ip := range t.applied {
		if _, ok := want[ip]; ok {
			continue
		}
		if err := removeRouteFn(t.iface, ip); err != nil {
			log.Warnf("remove route %s: %v", ip, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(t.applied, ip)
	}

	return firstErr
}

// Applied returns the currently-applied route destinations.
func (t *Table) Applied() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.applied))
	for ip := range t.applied {
		out = append(out, ip)
	}
	return out
}

// Cleanup removes every recorded route; called on node shutdown (spec.md
// §8 invariant 5: after shutdown, C2's applied set must be empty).
func (t *Table) Cleanup() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for ip := range t.applied {
		if err := removeRouteFn(t.iface, ip); err != nil {
			log.Warnf("cleanup: remove route %s: %v", ip, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(t.applied, ip)
	}
	return firstErr
}

func addRoute(iface, ip string) error {
	switch runtime.GOOS {
	case "linux":
		return runRouteCmd("ip", "route", "add", ip+"/32", "dev", iface)
	case "darwin":
		return runRouteCmd("route", "-n", "add", "-host", ip, "-interface", iface)
	default:
		return fmt.Errorf("routetable: unsupported OS %q", runtime.GOOS)
	}
}

func removeRoute(iface, ip string) error {
	switch runtime.GOOS {
	case "linux":
		return runRouteCmd("ip", "route", "del", ip+"/32", "dev", iface)
	case "darwin":
		return runRouteCmd("route", "-n", "delete", "-host", ip)
	default:
		return fmt.Errorf("routetable: unsupported OS %q", runtime.GOOS)
	}
}

// runRouteCmd runs a route mutation command, treating "already exists" /
// "not in table" style output as success per the idempotency requirement.
func runRouteCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	lower := strings.ToLower(string(out))
	if strings.Contains(lower, "exists") || strings.Contains(lower, "not in table") || strings.Contains(lower, "no such process") {
		return nil
	}
	return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
}
