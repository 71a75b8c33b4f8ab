// Package conn implements one accepted connection's lifecycle: accept,
// run a read-dispatch-write loop, detect stalls with a dedicated
// watchdog task, and tear every resource down on exit.
package conn

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alxayo/raop-rtsp/internal/config"
	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
	"github.com/alxayo/raop-rtsp/internal/logger"
	"github.com/alxayo/raop-rtsp/internal/rtsp/dispatcher"
	"github.com/alxayo/raop-rtsp/internal/rtsp/framer"
	"github.com/rs/zerolog"
)

const (
	watchdogInterval = 2 * time.Second
	// barksUntilUnfixable is the bark count at which cmd_unfixable fires;
	// the first bark (1) already closes the connection.
	barksUntilUnfixable = 3
	readRetryBackoff    = 20 * time.Millisecond
	// readDeadlineSlice bounds how long a single blocking read can hold
	// the connection goroutine before it re-observes the context, so
	// cancellation latency never exceeds this no matter how idle the
	// peer is.
	readDeadlineSlice = 1 * time.Second
	// writeTimeout is the deadline applied to every response write, the
	// send-side counterpart of readDeadlineSlice.
	writeTimeout = 3 * time.Second
)

var connCounter atomic.Uint64

func nextID() uint64 { return connCounter.Add(1) }

// Connection owns one accepted TCP connection's lifecycle: the read-
// dispatch-write loop, its watchdog, and the teardown sequence.
type Connection struct {
	id         uint64
	netConn    net.Conn
	acceptedAt time.Time
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	disp   *dispatcher.Dispatcher
	state  *dispatcher.ConnState
	framer *framer.Framer

	timeoutSeconds   int
	dontCheckTimeout bool
	cmdUnfixable     string
	unfixableRunner  func(cmd string)

	lastBarkNanos atomic.Int64
	barkCount     atomic.Int32
	unfixableDone atomic.Bool
	readRetried   bool

	running atomic.Bool
}

// ID returns the connection's monotonically assigned identifier.
func (c *Connection) ID() uint64 { return c.id }

// Running reports whether the connection's main loop is still active.
func (c *Connection) Running() bool { return c.running.Load() }

// Cancel requests the connection stop at its next suspension point
// that actually selects on the context — session-slot preemption's
// waitForSlot, in particular. It does not by itself unblock a
// connection sitting in a blocking socket read; use Close for that.
func (c *Connection) Cancel() { c.cancel() }

// Close cancels the connection and forcibly closes its socket, which is
// what actually unblocks a goroutine parked in a blocking read on it;
// ctx cancellation alone only interrupts callers that select on
// ctx.Done() between reads. Used by the listener on shutdown.
func (c *Connection) Close() {
	c.cancel()
	_ = c.netConn.Close()
}

// Accept performs a blocking Accept on l and wires a Connection ready to
// Serve: identity, logging, per-connection state, and the watchdog task
// are all started before Accept returns.
func Accept(l net.Listener, d *dispatcher.Dispatcher, cfg *config.Snapshot) (*Connection, error) {
	raw, err := l.Accept()
	if err != nil {
		return nil, err
	}

	id := nextID()
	lg := logger.WithConn(logger.Logger(), int(id), raw.RemoteAddr().String())

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:               id,
		netConn:          raw,
		acceptedAt:       time.Now(),
		log:              lg,
		ctx:              ctx,
		cancel:           cancel,
		disp:             d,
		timeoutSeconds:   cfg.TimeoutSeconds,
		dontCheckTimeout: cfg.DontCheckTimeout,
		cmdUnfixable:     cfg.CmdUnfixable,
		unfixableRunner:  runUnfixable,
	}
	c.state = dispatcher.NewConnState(id, cancel, raw.LocalAddr())
	c.framer = framer.New(raw, nil, c.onStall)
	c.touch()
	c.running.Store(true)

	c.wg.Add(1)
	go c.watchdogLoop()

	lg.Info().Msg("connection accepted")
	return c, nil
}

// touch records the current time as the last-seen-activity timestamp,
// read by the watchdog. Called from the main loop after every
// successfully read request and at connection start.
func (c *Connection) touch() {
	c.lastBarkNanos.Store(time.Now().UnixNano())
}

// onStall is the framer's 15s body-receive stall callback: informational
// only, logged and otherwise ignored. A slow body does not by itself
// warrant tearing down the connection.
func (c *Connection) onStall() {
	c.log.Warn().Msg("stall: body read exceeded 15s, continuing")
}

// Serve runs the connection's main loop until the context is cancelled,
// an unrecoverable error occurs, or the response carries
// "Connection: close". It always returns via teardown, which releases
// every resource the connection acquired.
func (c *Connection) Serve() {
	defer c.teardown()

	for {
		_ = c.netConn.SetReadDeadline(time.Now().Add(readDeadlineSlice))
		req, err := c.framer.ReadMessage(c.ctx)
		if err != nil {
			if isReadTimeout(err) {
				continue
			}
			if c.retryableReadError(err) {
				continue
			}
			return
		}

		c.touch()
		c.readRetried = false
		resp := c.disp.Dispatch(c.ctx, c.state, req)
		closeAfter := headerEquals(resp, "Connection", "close")

		_ = c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		writeErr := framer.WriteMessage(c.netConn, resp)
		req.Release()

		if writeErr != nil {
			c.log.Warn().Err(writeErr).Msg("write response failed, forcing linger-0 close")
			c.setLingerZero()
			return
		}
		if closeAfter {
			return
		}
	}
}

// isReadTimeout reports whether err is the read deadline set by Serve
// expiring with no data available — not a real error, just this slice's
// turn to re-check the context before blocking again.
func isReadTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryableReadError implements the read-error recovery policy: Shutdown
// (including context cancellation) always exits; a channel close or I/O
// error gets exactly one 20ms-backoff retry if the player is currently
// running, else exits; anything else (a parse error on a malformed
// request) gets a canned 400 response and the loop continues.
// readRetried enforces the "exactly one" part: it is cleared after every
// successfully read request, so a connection that goes on to read
// cleanly again earns back its one retry.
func (c *Connection) retryableReadError(err error) bool {
	if rtsperrors.IsShutdown(err) {
		return false
	}

	var parseErr *rtsperrors.ParseError
	if isParseError(err, &parseErr) {
		c.sendCannedBadRequest()
		return true
	}

	if !c.readRetried && c.disp != nil && c.disp.Player != nil && c.disp.Player.Running() {
		c.readRetried = true
		c.log.Debug().Err(err).Msg("read error with player running, retrying after backoff")
		time.Sleep(readRetryBackoff)
		return true
	}

	c.log.Debug().Err(err).Msg("read error, tearing down connection")
	return false
}

// sendCannedBadRequest writes a minimal 400 response directly, bypassing
// the dispatcher since no well-formed request was ever parsed.
func (c *Connection) sendCannedBadRequest() {
	resp := cannedResponse(400, "Bad Request")
	_ = c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := framer.WriteMessage(c.netConn, resp); err != nil {
		c.log.Debug().Err(err).Msg("failed to write canned 400 response")
	}
}

// watchdogLoop checks every watchdogInterval whether the connection has
// gone silent for longer than the configured timeout. The first bark
// closes the connection (cancel alone would not unblock a goroutine
// parked in a blocking socket read); the barksUntilUnfixable-th bark
// invokes cmd_unfixable at most once. The bark count belongs to this
// connection alone and is not carried across reconnects, and the loop
// returns as soon as the first bark's Close has cancelled the context.
func (c *Connection) watchdogLoop() {
	defer c.wg.Done()

	if c.dontCheckTimeout || c.timeoutSeconds <= 0 {
		return
	}
	timeout := time.Duration(c.timeoutSeconds) * time.Second

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkWatchdog(timeout)
		}
	}
}

// checkWatchdog implements a single watchdog tick's bark/cancel/unfixable
// decision, split out from watchdogLoop so it can be driven directly
// (with a synthetic lastBarkNanos/timeout) without waiting on a real
// ticker.
func (c *Connection) checkWatchdog(timeout time.Duration) {
	last := time.Unix(0, c.lastBarkNanos.Load())
	if time.Since(last) <= timeout {
		return
	}

	n := c.barkCount.Add(1)
	c.log.Warn().Int32("bark", n).Msg("watchdog: no activity within timeout")
	if n == 1 {
		c.Close()
	}
	if n >= barksUntilUnfixable && c.unfixableDone.CompareAndSwap(false, true) {
		if c.cmdUnfixable != "" && c.unfixableRunner != nil {
			c.unfixableRunner(c.cmdUnfixable)
		}
	}
}

// teardown runs the full cleanup sequence: stop the player if this
// connection owns it, release the session slot, cancel and join the
// watchdog, close the socket, and mark running false for the
// listener's reaper.
func (c *Connection) teardown() {
	c.cancel()

	if c.disp != nil && c.disp.Sessions != nil && c.disp.Sessions.Holds(c.id) {
		if c.disp.Player != nil && c.disp.Player.Running() {
			c.disp.Player.Stop()
		}
		c.disp.Sessions.Release(c.id)
	}
	if c.state != nil {
		c.state.Teardown()
	}

	c.wg.Wait()
	_ = c.netConn.Close()

	c.running.Store(false)
	c.log.Info().Msg("connection closed")
}

// setLingerZero forces an abortive close (RST instead of FIN/TIMEWAIT),
// used when a response write fails partway through.
func (c *Connection) setLingerZero() {
	if tc, ok := c.netConn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
}

func runUnfixable(cmd string) {
	logger.Logger().Warn().Str("cmd", cmd).Msg("watchdog: invoking unfixable command")
	go func() {
		if err := exec.Command("/bin/sh", "-c", cmd).Run(); err != nil {
			logger.Logger().Warn().Err(err).Str("cmd", cmd).Msg("watchdog: unfixable command failed")
		}
	}()
}
