package forwarder_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/bencvt/lagproxy/internal/delay"
	"github.com/bencvt/lagproxy/internal/forwarder"
	"github.com/bencvt/lagproxy/internal/model"
	"github.com/bencvt/lagproxy/internal/runtimex"
	"github.com/bencvt/lagproxy/internal/testingx"
	"github.com/google/go-cmp/cmp"
)

// startForwarder serves the given config from a random local port and
// returns the address to dial along with a shutdown func that stops
// serving and checks that Serve returned cleanly.
func startForwarder(t *testing.T, config *forwarder.Config) (string, func()) {
	listener := runtimex.Try1(net.Listen("tcp", "127.0.0.1:0"))
	fwd := forwarder.New(config)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- fwd.Serve(ctx, listener)
	}()
	shutdown := func() {
		cancel()
		select {
		case err := <-served:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after cancellation")
		}
	}
	return listener.Addr().String(), shutdown
}

func TestForwarderEndToEnd(t *testing.T) {
	echo := testingx.MustNewEchoServer()
	defer echo.Close()
	addr, shutdown := startForwarder(t, &forwarder.Config{
		Logger:         model.DiscardLogger,
		Policy:         delay.New(60*time.Millisecond, 140*time.Millisecond),
		RemoteEndpoint: echo.Endpoint(),
	})
	defer shutdown()

	conn := runtimex.Try1(net.Dial("tcp", addr))
	defer conn.Close()
	t0 := time.Now()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buffer := make([]byte, 1024)
	count, err := conn.Read(buffer)
	if err != nil {
		t.Fatal(err)
	}
	rtt := time.Since(t0)
	if string(buffer[:count]) != "ping" {
		t.Fatal("unexpected echo payload")
	}
	// each direction injects at least 60 ms
	if rtt < 120*time.Millisecond {
		t.Fatal("the echo arrived before the injected latency:", rtt)
	}
	if rtt > 2*time.Second {
		t.Fatal("the echo arrived way too late:", rtt)
	}
}

func TestForwarderRelaysBytesFaithfully(t *testing.T) {
	echo := testingx.MustNewEchoServer()
	defer echo.Close()
	addr, shutdown := startForwarder(t, &forwarder.Config{
		Logger:         model.DiscardLogger,
		RemoteEndpoint: echo.Endpoint(),
	})
	defer shutdown()

	expect := make([]byte, 1<<16)
	rnd := rand.New(rand.NewSource(77))
	runtimex.Try1(rnd.Read(expect))

	conn := runtimex.Try1(net.Dial("tcp", addr))
	defer conn.Close()
	go func() {
		conn.Write(expect)
		conn.(*net.TCPConn).CloseWrite()
	}()
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(expect, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestForwarderIsolatesConnections(t *testing.T) {
	echo := testingx.MustNewEchoServer()
	defer echo.Close()
	addr, shutdown := startForwarder(t, &forwarder.Config{
		Logger:         model.DiscardLogger,
		RemoteEndpoint: echo.Endpoint(),
	})
	defer shutdown()

	errch := make(chan error, 2)
	for _, tag := range []byte{'A', 'B'} {
		go func(tag byte) {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errch <- err
				return
			}
			defer conn.Close()
			expect := bytes.Repeat([]byte{tag}, 8192)
			go func() {
				conn.Write(expect)
				conn.(*net.TCPConn).CloseWrite()
			}()
			got, err := io.ReadAll(conn)
			if err != nil {
				errch <- err
				return
			}
			if !bytes.Equal(expect, got) {
				errch <- errBytesLeakedAcrossConns
				return
			}
			errch <- nil
		}(tag)
	}
	for i := 0; i < 2; i++ {
		if err := <-errch; err != nil {
			t.Fatal(err)
		}
	}
}

var errBytesLeakedAcrossConns = errors.New("bytes leaked across connections")

func TestForwarderSurvivesUnreachableRemote(t *testing.T) {
	// obtain an endpoint that refuses connections
	closed := runtimex.Try1(net.Listen("tcp", "127.0.0.1:0"))
	endpoint := closed.Addr().String()
	closed.Close()

	addr, shutdown := startForwarder(t, &forwarder.Config{
		DialTimeout:    2 * time.Second,
		Logger:         model.DiscardLogger,
		RemoteEndpoint: endpoint,
	})
	defer shutdown()

	// the first connection is accepted and then closed because the
	// remote is unreachable
	first := runtimex.Try1(net.Dial("tcp", addr))
	defer first.Close()
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the local connection to be closed")
	}

	// the listener must still accept subsequent connections
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal("the accept loop did not survive the dial failure:", err)
	}
	second.Close()
}

func TestForwarderRunReportsBindFailure(t *testing.T) {
	// occupy a port so that binding it fails
	busy := runtimex.Try1(net.Listen("tcp", "127.0.0.1:0"))
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	fwd := forwarder.New(&forwarder.Config{
		LocalPort:      port,
		Logger:         model.DiscardLogger,
		RemoteEndpoint: "127.0.0.1:80",
	})
	if err := fwd.Run(context.Background()); err == nil {
		t.Fatal("expected a bind failure")
	}
}
