package routetable

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withStubbedRoutes(t *testing.T) (adds *[]string, removes *[]string) {
	t.Helper()
	var addLog, removeLog []string
	origAdd, origRemove := addRouteFn, removeRouteFn
	addRouteFn = func(iface, ip string) error {
		addLog = append(addLog, ip)
		return nil
	}
	removeRouteFn = func(iface, ip string) error {
		removeLog = append(removeLog, ip)
		return nil
	}
	t.Cleanup(func() {
		addRouteFn, removeRouteFn = origAdd, origRemove
	})
	return &addLog, &removeLog
}

func TestApplyAddsNewRoutes(t *testing.T) {
	adds, _ := withStubbedRoutes(t)
	tbl := New("tun0")

	require.NoError(t, tbl.Apply([]net.IP{net.IPv4(192, 168, 10, 5)}))
	assert.Equal(t, []string{"192.168.10.5"}, *adds)
	assert.ElementsMatch(t, []string{"192.168.10.5"}, tbl.Applied())
}

func TestApplyIsIdempotent(t *testing.T) {
	adds, _ := withStubbedRoutes(t)
	tbl := New("tun0")

	require.NoError(t, tbl.Apply([]net.IP{net.IPv4(192, 168, 10, 5)}))
	require.NoError(t, tbl.Apply([]net.IP{net.IPv4(192, 168, 10, 5)}))
	assert.Len(t, *adds, 1, "second Apply with the same desired set must not re-add")
}

func TestApplyRemovesStaleRoutes(t *testing.T) {
	_, removes := withStubbedRoutes(t)
	tbl := New("tun0")

	require.NoError(t, tbl.Apply([]net.IP{net.IPv4(192, 168, 10, 5)}))
	require.NoError(t, tbl.Apply([]net.IP{net.IPv4(192, 168, 10, 6)}))

	assert.Equal(t, []string{"192.168.10.5"}, *removes)
	assert.ElementsMatch(t, []string{"192.168.10.6"}, tbl.Applied())
}

func TestCleanupEmptiesAppliedSet(t *testing.T) {
	withStubbedRoutes(t)
	tbl := New("tun0")
	require.NoError(t, tbl.Apply([]net.IP{net.IPv4(192, 168, 10, 5), net.IPv4(192, 168, 10, 6)}))

	require.NoError(t, tbl.Cleanup())
	assert.Empty(t, tbl.Applied())
}

func TestApplyReportsFirstError(t *testing.T) {
	origAdd := addRouteFn
	addRouteFn = func(iface, ip string) error { return errors.New("boom") }
	t.Cleanup(func() { addRouteFn = origAdd })

	tbl := New("tun0")
	err := tbl.Apply([]net.IP{net.IPv4(192, 168, 10, 5)})
	assert.Error(t, err)
	assert.Empty(t, tbl.Applied(), "failed add must not be recorded as applied")
}
