// Package forwarder accepts connections on the local port and relays
// each of them to the configured remote endpoint through a pair of
// latency-injecting pipes.
package forwarder

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bencvt/lagproxy/internal/backlog"
	"github.com/bencvt/lagproxy/internal/model"
	"github.com/bencvt/lagproxy/internal/pipe"
)

// defaultDialTimeout bounds each outbound connection attempt.
const defaultDialTimeout = 15 * time.Second

// Config contains the forwarder configuration. The zero value is
// invalid; you MUST fill all the fields marked as MANDATORY.
type Config struct {
	// DialTimeout is the OPTIONAL timeout for each outbound
	// connection attempt. The default is 15 seconds.
	DialTimeout time.Duration

	// LocalPort is the local port [Forwarder.Run] binds to. The
	// field is MANDATORY for Run and unused by [Forwarder.Serve],
	// which takes an already-bound listener.
	LocalPort int

	// Logger is the OPTIONAL logger to use.
	Logger model.Logger

	// Policy is the OPTIONAL delay policy shared by the two pipes
	// of each connection pair. When nil there is no added latency.
	Policy pipe.DelayPolicy

	// QueueCapacity is the OPTIONAL per-pipe backlog capacity.
	QueueCapacity int

	// RemoteEndpoint is the MANDATORY "host:port" endpoint to
	// which we relay each accepted connection.
	RemoteEndpoint string
}

// Forwarder relays accepted local connections to the remote endpoint.
// Use [New] to construct.
type Forwarder struct {
	// config contains the configuration.
	config *Config

	// dialer creates outbound connections.
	dialer *net.Dialer

	// registry counts the currently active pipes.
	registry *pipe.Registry
}

// New creates a [Forwarder] with the given config.
func New(config *Config) *Forwarder {
	return &Forwarder{
		config:   config,
		dialer:   &net.Dialer{},
		registry: pipe.NewRegistry(),
	}
}

// Run binds the local port and then behaves like [Forwarder.Serve].
// A bind failure is returned to the caller and is fatal for the whole
// process: no connection can ever be served without a listener.
func (fwd *Forwarder) Run(ctx context.Context) error {
	// Enabling address reuse tolerates a rapid restart while the
	// previous socket still lingers in TIME_WAIT.
	lc := &net.ListenConfig{Control: reuseAddrControl}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", fwd.config.LocalPort))
	if err != nil {
		return fmt.Errorf("forwarder: listen: %w", err)
	}
	return fwd.Serve(ctx, listener)
}

// Serve accepts connections from the given listener until the given
// context is canceled, dispatching each connection to its own pair of
// pipes without ever blocking the accept loop. On cancellation it
// closes the listener, waits for the active pairs to wind down, and
// returns nil. Any other accept failure is returned as an error.
func (fwd *Forwarder) Serve(ctx context.Context, listener net.Listener) error {
	logger := model.ValidLoggerOrDefault(fwd.config.Logger)
	logger.Infof(
		"redirecting: %s -> %s with %s",
		listener.Addr(), fwd.config.RemoteEndpoint, fwd.describePolicy(),
	)

	defer listener.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	var pairs sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				pairs.Wait()
				return nil
			}
			return fmt.Errorf("forwarder: accept: %w", err)
		}
		metricSessionsCount.Inc()
		logger.Infof("forwarder: new session for %s", conn.RemoteAddr())
		pairs.Add(1)
		go func(local net.Conn) {
			defer pairs.Done()
			fwd.handle(ctx, local)
		}(conn)
	}
}

// handle opens the outbound connection for an accepted local
// connection and, on success, runs the connection pair. A dial
// failure is scoped to this single pair: we log it, close the local
// connection, and leave the accept loop alone.
func (fwd *Forwarder) handle(ctx context.Context, local net.Conn) {
	logger := model.ValidLoggerOrDefault(fwd.config.Logger)
	dialCtx, cancel := context.WithTimeout(ctx, fwd.dialTimeout())
	remote, err := fwd.dialer.DialContext(dialCtx, "tcp", fwd.config.RemoteEndpoint)
	cancel()
	if err != nil {
		metricDialFailuresCount.Inc()
		logger.Warnf("forwarder: cannot reach %s: %s", fwd.config.RemoteEndpoint, err.Error())
		local.Close()
		return
	}
	fwd.runPair(ctx, local, remote)
}

// runPair runs the two pipes of a connection pair until both have
// terminated and then closes both sockets. A sink write failure in
// either direction cancels the pair context, which tears down both
// directions without affecting other pairs.
func (fwd *Forwarder) runPair(ctx context.Context, local, remote net.Conn) {
	logger := model.ValidLoggerOrDefault(fwd.config.Logger)
	pairCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// closing the sockets is what unblocks reads during teardown
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-pairCtx.Done()
		local.Close()
		remote.Close()
	}()

	fail := func(err error) {
		logger.Warnf("forwarder: tearing down pair for %s: %s", local.RemoteAddr(), err.Error())
		cancel()
	}

	localToRemote := &pipe.Pipe{
		Direction: pipe.DirectionLocalToRemote,
		Fail:      fail,
		Logger:    fwd.config.Logger,
		Policy:    fwd.config.Policy,
		Queue:     backlog.New(fwd.config.QueueCapacity),
		Registry:  fwd.registry,
		Sink:      remote,
		Source:    local,
	}
	remoteToLocal := &pipe.Pipe{
		Direction: pipe.DirectionRemoteToLocal,
		Fail:      fail,
		Logger:    fwd.config.Logger,
		Policy:    fwd.config.Policy,
		Queue:     backlog.New(fwd.config.QueueCapacity),
		Registry:  fwd.registry,
		Sink:      local,
		Source:    remote,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		localToRemote.Run(pairCtx)
	}()
	go func() {
		defer wg.Done()
		remoteToLocal.Run(pairCtx)
	}()
	wg.Wait()
	cancel()
	<-closed
}

// dialTimeout returns the configured dial timeout or the default.
func (fwd *Forwarder) dialTimeout() time.Duration {
	if fwd.config.DialTimeout > 0 {
		return fwd.config.DialTimeout
	}
	return defaultDialTimeout
}

// describePolicy returns the policy description for the banner.
func (fwd *Forwarder) describePolicy() string {
	if fwd.config.Policy == nil {
		return "no delay"
	}
	return fmt.Sprint(fwd.config.Policy)
}
