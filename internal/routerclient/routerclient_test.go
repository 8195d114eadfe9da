package routerclient

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDaemon is a minimal stand-in for the Babel-style routing daemon: it
// accepts one connection, replies to the handshake, and then replies to a
// `dump` with two routes.
func fakeDaemon(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		_, _ = r.ReadString('\n') // handshake request
		_, _ = conn.Write([]byte("ok\n"))
		_, _ = r.ReadString('\n') // dump
		_, _ = conn.Write([]byte("add route prefix=fd00::5/128 installed=true metric=10 refmetric=5 price=3\n"))
		_, _ = conn.Write([]byte("add route prefix=fd00::6/128 installed=false metric=20 refmetric=5 price=7\n"))
		_, _ = conn.Write([]byte("done\n"))
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestRefreshParsesRoutes(t *testing.T) {
	addr := fakeDaemon(t)
	c := New(addr)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, err := c.Refresh(ctx)
	require.NoError(t, err)

	r, ok := snap.InstalledRoute(net.ParseIP("fd00::5"))
	require.True(t, ok)
	require.EqualValues(t, 3, r.Price)

	_, ok = snap.InstalledRoute(net.ParseIP("fd00::6"))
	require.False(t, ok, "non-installed route must not be returned")
}

func TestCappedPrice(t *testing.T) {
	r := Route{Price: 500}
	require.EqualValues(t, 100, CappedPrice(r, 100))
	require.EqualValues(t, 50, CappedPrice(Route{Price: 50}, 100))
}
