// Package pipe implements the unidirectional forwarding path of a
// connection pair: a reader loop that pulls chunks from the source
// connection and schedules their delivery, and a sender loop that
// waits out each chunk's release time and writes it to the sink.
package pipe

import (
	"context"
	"net"
	"time"

	"github.com/bencvt/lagproxy/internal/backlog"
	"github.com/bencvt/lagproxy/internal/model"
)

// DelayPolicy decides how much artificial latency we add to each
// forwarded chunk. Implementations MUST be safe for concurrent use
// because both directions of a connection pair share one policy.
type DelayPolicy interface {
	// Sample returns one independent non-negative delay draw.
	Sample() time.Duration
}

// Direction tells a [Pipe] apart from its sibling in logs and metrics.
type Direction string

// DirectionLocalToRemote is the client-to-server pipe of a pair.
const DirectionLocalToRemote = Direction("local_to_remote")

// DirectionRemoteToLocal is the server-to-client pipe of a pair.
const DirectionRemoteToLocal = Direction("remote_to_local")

// chunkSize is the maximum number of bytes we read from the source
// connection at a time. Each read becomes one scheduled chunk.
const chunkSize = 1024

// Pipe forwards bytes from a source connection to a sink connection,
// delaying each chunk according to the configured policy while
// strictly preserving byte order. The zero value is invalid; you MUST
// fill all the fields marked as MANDATORY before calling [Pipe.Run].
type Pipe struct {
	// Direction is the MANDATORY direction used in logs and metrics.
	Direction Direction

	// Fail is the OPTIONAL callback invoked when the sink fails,
	// meaning the whole connection pair is no longer useful. The
	// pair uses it to cancel its context and tear down both
	// directions.
	Fail func(err error)

	// Logger is the OPTIONAL logger to use.
	Logger model.Logger

	// Policy is the OPTIONAL delay policy. When nil, every chunk
	// is scheduled for immediate release.
	Policy DelayPolicy

	// Queue is the MANDATORY backlog between reader and sender.
	Queue *backlog.Queue

	// Registry is the OPTIONAL registry of active pipes.
	Registry *Registry

	// Sink is the MANDATORY connection we write to.
	Sink net.Conn

	// Source is the MANDATORY connection we read from.
	Source net.Conn
}

// Run forwards traffic until the source connection reaches EOF or
// errors out, then delivers the chunks still in the backlog and
// returns. Cancelling the given context aborts both loops. Run does
// not close the source or the sink: the connection pair owns the
// sockets and closes them once both of its pipes have returned.
func (p *Pipe) Run(ctx context.Context) {
	logger := model.ValidLoggerOrDefault(p.Logger)
	count := p.Registry.Add()
	logger.Infof(
		"pipe: %s: %s -> %s up (%d pipes active)",
		p.Direction, p.Source.RemoteAddr(), p.Sink.RemoteAddr(), count,
	)

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		p.senderLoop(ctx)
	}()

	p.readerLoop(ctx)

	// Closing the queue lets the sender deliver what is buffered
	// and then terminate rather than parking forever on an empty
	// queue. Waiting for the sender before unregistering is how we
	// confirm every in-flight chunk has been handed off.
	p.Queue.Close()
	<-senderDone
	p.Queue.Drain()
	p.Queue.Join()

	// Propagate EOF to the peer explicitly rather than relying on
	// the OS noticing the teardown on its own.
	p.halfCloseSink()

	count = p.Registry.Remove()
	logger.Infof(
		"pipe: %s: %s -> %s down (%d pipes active)",
		p.Direction, p.Source.RemoteAddr(), p.Sink.RemoteAddr(), count,
	)
}

// readerLoop reads chunks from the source and enqueues them with
// their scheduled release time. Both EOF and a read error signal the
// source side is gone, so neither is treated as a pipe failure.
func (p *Pipe) readerLoop(ctx context.Context) {
	buffer := make([]byte, chunkSize)
	for {
		count, err := p.Source.Read(buffer)
		if count > 0 {
			payload := make([]byte, count)
			copy(payload, buffer[:count])
			entry := &backlog.Entry{
				Payload:   payload,
				ReleaseAt: time.Now().Add(p.sampleDelay()),
			}
			if err := p.Queue.Put(ctx, entry); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// senderLoop dequeues chunks in FIFO order, waits until each chunk's
// release time, and writes it to the sink in full. On a sink write
// failure it invokes the Fail callback because a broken sink implies
// the whole connection pair is no longer useful.
func (p *Pipe) senderLoop(ctx context.Context) {
	// Making sure nothing is left behind on the way out keeps the
	// reader's Join from blocking forever.
	defer func() {
		p.Queue.Close()
		p.Queue.Drain()
	}()
	logger := model.ValidLoggerOrDefault(p.Logger)
	for {
		entry, err := p.Queue.Get(ctx)
		if err != nil {
			// either the queue is closed and drained or the
			// pair is being torn down
			return
		}
		if err := p.waitRelease(ctx, entry.ReleaseAt); err != nil {
			p.Queue.TaskDone()
			return
		}
		if _, err := p.Sink.Write(entry.Payload); err != nil {
			p.Queue.TaskDone()
			logger.Warnf("pipe: %s: sink write: %s", p.Direction, err.Error())
			if p.Fail != nil {
				p.Fail(err)
			}
			return
		}
		metricForwardedBytes.WithLabelValues(string(p.Direction)).Add(float64(len(entry.Payload)))
		p.Queue.TaskDone()
	}
}

// waitRelease blocks until the given release time or until the given
// context is canceled.
func (p *Pipe) waitRelease(ctx context.Context, releaseAt time.Time) error {
	d := time.Until(releaseAt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sampleDelay returns one delay draw, or zero without a policy.
func (p *Pipe) sampleDelay() time.Duration {
	if p.Policy == nil {
		return 0
	}
	return p.Policy.Sample()
}

// halfCloseSink shuts down the write side of the sink when the sink
// supports half close, e.g., a [*net.TCPConn].
func (p *Pipe) halfCloseSink() {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := p.Sink.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
