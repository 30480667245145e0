package netconn

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Run reads messages and dispatches them to the listener until the
// connection closes. It blocks; run it on its own goroutine. Cancelling ctx
// closes the connection.
//
// Run returns nil when the connection was closed deliberately or the peer
// shut down gracefully, ctx.Err() when ctx ended the loop, and a *ReadError
// for fatal read failures. Teardown has completed by the time Run returns,
// and a FailureListener is notified on every path except a graceful peer
// shutdown.
func (c *Conn) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}

	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	c.logger.Debug("reading", "conn_id", c.id)
	for {
		msg, err := c.opts.mapper.ToMessage(c)
		if err != nil {
			if c.State() != StateOpen {
				// Closed underneath the read: the failure is the close itself.
				<-c.done
				c.logger.Debug("read loop stopped", "conn_id", c.id, "error", err)
				c.notifyFailure(&ReadError{ConnID: c.id, Err: err})
				return ctx.Err()
			}
			if !IsSoftEndOfStream(err) {
				c.publish(EventException, &ReadError{ConnID: c.id, Err: err})
			}
			if c.handleReadError(err) {
				if IsSoftEndOfStream(err) {
					return nil
				}
				return &ReadError{ConnID: c.id, Err: err}
			}
			continue
		}

		c.lastRead.Store(c.now())
		c.dispatch(msg)
	}
}

// Start runs the read loop on a new goroutine. The returned channel receives
// Run's result.
func (c *Conn) Start(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.Run(ctx)
	}()
	return result
}

// dispatch hands msg to the listener. A missing consumer and a faulting
// handler are both reported without affecting the connection.
func (c *Conn) dispatch(msg Message) (res DispatchResult) {
	l := c.Listener()
	if l == nil {
		c.logger.Warn("unexpected message, no listener registered", "conn_id", c.id)
		return NoConsumer
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panic", "conn_id", c.id, "panic", r)
			res = HandlerFault
		}
	}()

	err := l.OnMessage(msg)
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, ErrNoListener):
		c.logger.Warn("unexpected message, no consumer", "conn_id", c.id)
		return NoConsumer
	default:
		c.logger.Error("listener failed", "conn_id", c.id, "error", err)
		return HandlerFault
	}
}

// handleReadError classifies a read failure and reports whether the
// connection was closed.
func (c *Conn) handleReadError(err error) bool {
	if c.opts.role == RoleClient && IsTimeout(err) && c.recentSend() {
		c.logger.Debug("skipping read timeout, recent send", "conn_id", c.id)
		return false
	}

	expected := c.noReadErrorOnClose.Load()
	c.closeConnection()

	switch {
	case IsSoftEndOfStream(err):
		c.logger.Debug("peer closed connection", "conn_id", c.id)
		return true
	case IsTimeout(err):
		c.logger.Debug("closed after read timeout", "conn_id", c.id)
	case expected:
		c.logger.Debug("read error", "conn_id", c.id, "error", err)
	default:
		c.logger.Error("read error", "conn_id", c.id, "error", err)
	}

	c.notifyFailure(&ReadError{ConnID: c.id, Err: err})
	return true
}

// recentSend reports whether a read timeout should be ignored: the last send
// is within one read timeout and the last read within graceMultiplier of them.
func (c *Conn) recentSend() bool {
	timeout := c.opts.readTimeout
	sent := c.lastSend.Load()
	if timeout <= 0 || sent == 0 {
		return false
	}

	now := c.now()
	sinceSend := time.Duration(now - sent)
	sinceRead := time.Duration(now - c.lastRead.Load())
	grace := time.Duration(c.opts.graceMultiplier * float64(timeout))

	return sinceSend < timeout && sinceRead < grace
}

func (c *Conn) notifyFailure(err error) {
	fl, ok := c.Listener().(FailureListener)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("failure listener panic", "conn_id", c.id, "panic", r)
		}
	}()
	fl.OnFailure(c.id, err)
}
