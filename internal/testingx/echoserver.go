// Package testingx contains shared code for testing.
package testingx

import (
	"io"
	"net"
	"sync"

	"github.com/bencvt/lagproxy/internal/runtimex"
)

// EchoServer is a TCP server that writes back whatever it reads,
// closing each connection once the client half closes its side. Use
// [MustNewEchoServer] to construct and remember to call
// [EchoServer.Close] when done.
type EchoServer struct {
	// closeOnce ensures Close is idempotent.
	closeOnce sync.Once

	// listener is the underlying listener.
	listener net.Listener
}

// MustNewEchoServer creates an [EchoServer] listening on a random
// local port. This function PANICS on failure.
func MustNewEchoServer() *EchoServer {
	listener := runtimex.Try1(net.Listen("tcp", "127.0.0.1:0"))
	srv := &EchoServer{
		closeOnce: sync.Once{},
		listener:  listener,
	}
	go srv.acceptLoop()
	return srv
}

// Endpoint returns the server's "host:port" endpoint.
func (srv *EchoServer) Endpoint() string {
	return srv.listener.Addr().String()
}

// Close shuts the server down.
func (srv *EchoServer) Close() (err error) {
	srv.closeOnce.Do(func() {
		err = srv.listener.Close()
	})
	return
}

func (srv *EchoServer) acceptLoop() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			_, _ = io.Copy(conn, conn)
		}()
	}
}
