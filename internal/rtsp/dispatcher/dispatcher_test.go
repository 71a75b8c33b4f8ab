package dispatcher

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	"github.com/alxayo/raop-rtsp/internal/config"
	"github.com/alxayo/raop-rtsp/internal/cryptoprov"
	"github.com/alxayo/raop-rtsp/internal/metadata"
	"github.com/alxayo/raop-rtsp/internal/rtsp/message"
	"github.com/alxayo/raop-rtsp/internal/rtsp/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAddr string

func (s stubAddr) Network() string { return "tcp" }
func (s stubAddr) String() string  { return string(s) }

// fakePlayer records calls for assertions instead of doing audio I/O.
type fakePlayer struct {
	running      bool
	playCalls    int
	stopCalls    int
	flushedTimes []uint32
	lastVolume   float64
}

func (p *fakePlayer) Play()                   { p.running = true; p.playCalls++ }
func (p *fakePlayer) Stop()                   { p.running = false; p.stopCalls++ }
func (p *fakePlayer) Flush(rtptime uint32)     { p.flushedTimes = append(p.flushedTimes, rtptime) }
func (p *fakePlayer) SetVolume(db float64)     { p.lastVolume = db }
func (p *fakePlayer) Running() bool            { return p.running }

func testDispatcher(t *testing.T, cfg *config.Snapshot) (*Dispatcher, *fakePlayer) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	prov := cryptoprov.NewProvider(key)

	if cfg == nil {
		cfg = &config.Snapshot{}
	}
	rt := config.NewRuntime(cfg.AirplayVolume)
	pl := &fakePlayer{}

	d := New(cfg, rt, session.NewRegistry(), prov, metadata.NewManager(nil), pl, nil)
	return d, pl
}

func newRequest(method, target string, headers map[string]string, body []byte) *message.Message {
	req := message.New()
	req.Method = method
	req.Target = target
	for k, v := range headers {
		req.AddHeader(k, v)
	}
	req.SetBody(body)
	return req
}

func TestDispatchOptionsListsSupportedMethods(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, nil)
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	req := newRequest("OPTIONS", "*", map[string]string{"CSeq": "1"}, nil)
	resp := d.Dispatch(context.Background(), conn, req)

	assert.Equal(t, 200, resp.StatusCode)
	public, ok := resp.Header("Public")
	require.True(t, ok)
	assert.Contains(t, public, "ANNOUNCE")
	assert.Contains(t, public, "SET_PARAMETER")
	cseq, _ := resp.Header("CSeq")
	assert.Equal(t, "1", cseq)
}

const alacSDP = "v=0\r\no=iTunes 3000 0 IN IP4 0.0.0.0\r\nm=audio 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 AppleLossless\r\na=fmtp:96 352 0 16 40 10 14 2 255 0 0 44100\r\n"

func TestDispatchAnnounceSetupRecordTeardownHappyPath(t *testing.T) {
	t.Parallel()
	d, pl := testDispatcher(t, nil)
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	announce := newRequest("ANNOUNCE", "rtsp://x/1", map[string]string{"CSeq": "2"}, []byte(alacSDP))
	resp := d.Dispatch(context.Background(), conn, announce)
	require.Equal(t, 200, resp.StatusCode)
	require.NotNil(t, conn.Descriptor)

	setup := newRequest("SETUP", "rtsp://x/1", map[string]string{
		"CSeq":      "3",
		"Transport": "RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=6001;timing_port=6002",
	}, nil)
	resp = d.Dispatch(context.Background(), conn, setup)
	require.Equal(t, 200, resp.StatusCode)
	transport, ok := resp.Header("Transport")
	require.True(t, ok)
	assert.Contains(t, transport, fmt.Sprintf("control_port=%d", conn.ControlPort))
	assert.Contains(t, transport, fmt.Sprintf("timing_port=%d", conn.TimingPort))
	sessionHdr, _ := resp.Header("Session")
	assert.Equal(t, "1", sessionHdr)
	require.NotNil(t, conn.RTP)
	conn.Teardown()

	record := newRequest("RECORD", "rtsp://x/1", map[string]string{"CSeq": "4"}, nil)
	resp = d.Dispatch(context.Background(), conn, record)
	require.Equal(t, 200, resp.StatusCode)
	latency, _ := resp.Header("Audio-Latency")
	assert.Equal(t, "11025", latency)
	assert.Equal(t, 1, pl.playCalls)

	teardown := newRequest("TEARDOWN", "rtsp://x/1", map[string]string{"CSeq": "5"}, nil)
	resp = d.Dispatch(context.Background(), conn, teardown)
	require.Equal(t, 200, resp.StatusCode)
	conn1, _ := resp.Header("Connection")
	assert.Equal(t, "close", conn1)
	assert.Equal(t, 1, pl.stopCalls)
}

func TestDispatchAnnounceWithZeroLengthBodyFails456(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, nil)
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	announce := newRequest("ANNOUNCE", "rtsp://x/1", map[string]string{"CSeq": "2"}, nil)
	resp := d.Dispatch(context.Background(), conn, announce)
	assert.Equal(t, 456, resp.StatusCode)

	_, held := d.Sessions.CurrentHolder()
	assert.False(t, held)
}

func TestDispatchSetupWithoutSlotFails451(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, nil)
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	setup := newRequest("SETUP", "rtsp://x/1", map[string]string{
		"CSeq":      "3",
		"Transport": "RTP/AVP/UDP;unicast;control_port=6001;timing_port=6002",
	}, nil)
	resp := d.Dispatch(context.Background(), conn, setup)
	assert.Equal(t, 451, resp.StatusCode)
}

func TestDispatchPreemption(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, &config.Snapshot{AllowSessionInterruption: true})

	cancelled := make(chan struct{})
	connA := NewConnState(1, func() { close(cancelled) }, stubAddr("127.0.0.1:5000"))
	announceA := newRequest("ANNOUNCE", "rtsp://x/1", map[string]string{"CSeq": "1"}, []byte(alacSDP))
	resp := d.Dispatch(context.Background(), connA, announceA)
	require.Equal(t, 200, resp.StatusCode)

	connB := NewConnState(2, func() {}, stubAddr("127.0.0.1:5001"))
	done := make(chan *message.Message, 1)
	go func() {
		announceB := newRequest("ANNOUNCE", "rtsp://x/2", map[string]string{"CSeq": "1"}, []byte(alacSDP))
		done <- d.Dispatch(context.Background(), connB, announceB)
	}()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("connection A was not cancelled")
	}
	// Simulate connA's teardown path releasing the slot in response to cancellation.
	d.Sessions.Release(1)

	select {
	case resp := <-done:
		assert.Equal(t, 200, resp.StatusCode)
	case <-time.After(4 * time.Second):
		t.Fatal("ANNOUNCE B did not complete")
	}
}

func TestDispatchPreemptionDeniedReturns453(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, &config.Snapshot{AllowSessionInterruption: false})

	connA := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))
	announceA := newRequest("ANNOUNCE", "rtsp://x/1", map[string]string{"CSeq": "1"}, []byte(alacSDP))
	resp := d.Dispatch(context.Background(), connA, announceA)
	require.Equal(t, 200, resp.StatusCode)

	connB := NewConnState(2, func() {}, stubAddr("127.0.0.1:5001"))
	announceB := newRequest("ANNOUNCE", "rtsp://x/2", map[string]string{"CSeq": "1"}, []byte(alacSDP))
	resp = d.Dispatch(context.Background(), connB, announceB)
	assert.Equal(t, 453, resp.StatusCode)
}

func TestDispatchDigestChallengeThenSuccess(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, &config.Snapshot{Password: "secret"})
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	req := newRequest("OPTIONS", "*", map[string]string{"CSeq": "1"}, nil)
	resp := d.Dispatch(context.Background(), conn, req)
	require.Equal(t, 401, resp.StatusCode)
	wwwAuth, ok := resp.Header("WWW-Authenticate")
	require.True(t, ok)
	assert.Contains(t, wwwAuth, "Digest")
	require.NotNil(t, conn.Digest)
	nonce := conn.Digest.Nonce()

	ha1 := hexMD5("user:raop:secret")
	ha2 := hexMD5("OPTIONS:*")
	response := hexMD5(ha1 + ":" + nonce + ":" + ha2)

	authHeader := fmt.Sprintf(
		`Digest username="user", realm="raop", nonce="%s", uri="*", response="%s"`,
		nonce, response,
	)
	req2 := newRequest("OPTIONS", "*", map[string]string{"CSeq": "2", "Authorization": authHeader}, nil)
	resp2 := d.Dispatch(context.Background(), conn, req2)
	assert.Equal(t, 200, resp2.StatusCode)
}

func hexMD5(s string) string {
	sum := cryptoprov.MD5([]byte(s))
	const hextable = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func TestDispatchGetParameterReturnsVolume(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, &config.Snapshot{AirplayVolume: -15.0})
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	req := newRequest("GET_PARAMETER", "rtsp://x/1", map[string]string{"CSeq": "1"}, []byte("volume\r\n"))
	resp := d.Dispatch(context.Background(), conn, req)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(resp.Body()), "volume: -15.000000")
}

func TestDispatchSetParameterTextVolumeUpdatesRuntime(t *testing.T) {
	t.Parallel()
	d, pl := testDispatcher(t, nil)
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	req := newRequest("SET_PARAMETER", "rtsp://x/1", map[string]string{
		"CSeq":         "1",
		"Content-Type": "text/parameters",
	}, []byte("volume: -20.000000\r\n"))
	resp := d.Dispatch(context.Background(), conn, req)
	assert.Equal(t, 200, resp.StatusCode)
	assert.InDelta(t, -20.0, pl.lastVolume, 0.0001)
	assert.InDelta(t, -20.0, d.Runtime.Volume(), 0.0001)
}

func TestDispatchSetParameterDMAPEmitsMetadataBoundary(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t, nil)
	conn := NewConnState(1, func() {}, stubAddr("127.0.0.1:5000"))

	var received []metadata.Package
	recv := make(chan metadata.Package, 16)
	rs := &recordingSink{ch: recv}
	d.Meta.RegisterSink(rs)
	defer d.Meta.Close()

	body := make([]byte, 8)
	body = append(body, encodeDMAPRecord("asal", []byte("Album"))...)

	req := newRequest("SET_PARAMETER", "rtsp://x/1", map[string]string{
		"CSeq":         "1",
		"Content-Type": "application/x-dmap-tagged",
	}, body)
	resp := d.Dispatch(context.Background(), conn, req)
	assert.Equal(t, 200, resp.StatusCode)

	deadline := time.After(2 * time.Second)
	for len(received) < 3 {
		select {
		case pkg := <-recv:
			received = append(received, pkg)
		case <-deadline:
			t.Fatalf("expected 3 metadata events, got %d", len(received))
		}
	}
	assert.Equal(t, "mdst", string(received[0].Code[:]))
	assert.Equal(t, "asal", string(received[1].Code[:]))
	assert.Equal(t, "mden", string(received[2].Code[:]))
}

type recordingSink struct {
	ch chan metadata.Package
}

func (r *recordingSink) Name() string { return "test" }
func (r *recordingSink) Consume(_ context.Context, pkg metadata.Package) {
	r.ch <- pkg
}
func (r *recordingSink) Close() {}

func encodeDMAPRecord(tag string, data []byte) []byte {
	out := make([]byte, 8+len(data))
	copy(out[0:4], tag)
	out[4] = byte(len(data) >> 24)
	out[5] = byte(len(data) >> 16)
	out[6] = byte(len(data) >> 8)
	out[7] = byte(len(data))
	copy(out[8:], data)
	return out
}
