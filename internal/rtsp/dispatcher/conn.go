package dispatcher

import (
	"context"
	"net"

	"github.com/alxayo/raop-rtsp/internal/rtpalloc"
	"github.com/alxayo/raop-rtsp/internal/rtsp/auth"
	"github.com/alxayo/raop-rtsp/internal/rtsp/sdp"
)

// ConnState is the per-connection state the dispatcher reads and
// mutates across successive requests on the same connection: the
// session-slot identity, lazily-created Digest nonce, RTP port
// allocation (set once, on the first successful SETUP), and the
// Apple/iTunes identity headers captured during ANNOUNCE/SETUP for
// later metadata fan-out and diagnostics.
type ConnState struct {
	ID        uint64
	Cancel    context.CancelFunc
	LocalAddr net.Addr

	Digest *auth.DigestState

	Descriptor *sdp.Descriptor

	RTP         *rtpalloc.Handle
	AudioPort   int
	ControlPort int
	TimingPort  int

	ActiveRemote   string
	DACPID         string
	ClientName     string
	UserAgent      string
	AirPlayVersion int
}

// NewConnState creates the per-connection state the dispatcher expects,
// identified by id and able to cancel the owning connection's context
// via cancel (used by session-slot preemption).
func NewConnState(id uint64, cancel context.CancelFunc, localAddr net.Addr) *ConnState {
	return &ConnState{ID: id, Cancel: cancel, LocalAddr: localAddr}
}

// Teardown releases RTP resources held by this connection. The caller
// is responsible for releasing the session slot and closing the
// underlying socket.
func (c *ConnState) Teardown() {
	c.RTP.Terminate()
}
