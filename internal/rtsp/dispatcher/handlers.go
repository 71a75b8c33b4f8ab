package dispatcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
	"github.com/alxayo/raop-rtsp/internal/metadata"
	"github.com/alxayo/raop-rtsp/internal/rtpalloc"
	"github.com/alxayo/raop-rtsp/internal/rtsp/dmap"
	"github.com/alxayo/raop-rtsp/internal/rtsp/message"
	"github.com/alxayo/raop-rtsp/internal/rtsp/params"
	"github.com/alxayo/raop-rtsp/internal/rtsp/sdp"
)

func handleOptions(_ context.Context, _ *Dispatcher, _ *ConnState, _, resp *message.Message) error {
	resp.AddHeader("Public", strings.Join(supportedMethods, ", "))
	resp.SetStatus(200, statusText(200))
	return nil
}

func handleAnnounce(ctx context.Context, d *Dispatcher, conn *ConnState, req, resp *message.Message) error {
	if err := d.Sessions.Acquire(ctx, conn.ID, conn.Cancel, d.Cfg.AllowSessionInterruption, d.Log); err != nil {
		return err
	}

	desc, err := sdp.Parse(string(req.Body()), d.Crypto)
	if err != nil {
		d.Sessions.Release(conn.ID)
		return err
	}
	conn.Descriptor = desc

	if clientName, ok := req.Header("X-Apple-Client-Name"); ok {
		conn.ClientName = clientName
		d.emitText(conn, "snam", clientName)
	}
	if ua, ok := req.Header("User-Agent"); ok {
		conn.UserAgent = ua
		d.emitText(conn, "snua", ua)
		if n, ok := parseAirPlayVersion(ua); ok {
			conn.AirPlayVersion = n
		}
	}

	resp.SetStatus(200, statusText(200))
	return nil
}

func handleSetup(_ context.Context, d *Dispatcher, conn *ConnState, req, resp *message.Message) error {
	if !d.Sessions.Holds(conn.ID) {
		return rtsperrors.NewPrecondition("setup", fmt.Errorf("connection does not hold the session slot"))
	}

	if ar, ok := req.Header("Active-Remote"); ok {
		conn.ActiveRemote = ar
		d.emitText(conn, "acre", ar)
	}
	if dacp, ok := req.Header("DACP-ID"); ok {
		conn.DACPID = dacp
		d.emitText(conn, "daid", dacp)
	}

	transportHeader, _ := req.Header("Transport")
	tr := params.ParseTransport(transportHeader)
	remoteControlPort, err1 := strconv.Atoi(tr.Fields["control_port"])
	remoteTimingPort, err2 := strconv.Atoi(tr.Fields["timing_port"])
	if err1 != nil || err2 != nil {
		d.Sessions.Release(conn.ID)
		return rtsperrors.NewPrecondition("setup.transport", fmt.Errorf("missing or invalid control_port/timing_port"))
	}

	if conn.RTP != nil {
		if d.Log != nil {
			d.Log.Warn().Uint64("conn", conn.ID).Msg("setup: rtp already running, keeping prior ports")
		}
	} else {
		h, audioPort, controlPort, timingPort, err := rtpalloc.Setup(remoteControlPort, remoteTimingPort)
		if err != nil {
			d.Sessions.Release(conn.ID)
			return rtsperrors.NewResource("setup.rtp", err)
		}
		conn.RTP = h
		conn.AudioPort, conn.ControlPort, conn.TimingPort = audioPort, controlPort, timingPort
	}

	resp.AddHeader("Transport", fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d;server_port=%d",
		conn.ControlPort, conn.TimingPort, conn.AudioPort,
	))
	resp.AddHeader("Session", "1")
	resp.SetStatus(200, statusText(200))
	return nil
}

func handleRecord(_ context.Context, d *Dispatcher, conn *ConnState, req, resp *message.Message) error {
	if !d.Sessions.Holds(conn.ID) {
		return rtsperrors.NewPrecondition("record", fmt.Errorf("connection does not hold the session slot"))
	}

	if !d.Player.Running() {
		d.Player.Play()
	}
	resp.AddHeader("Audio-Latency", "11025")

	if rtpInfo, ok := req.Header("RTP-Info"); ok {
		if rtptime, ok := parseRTPTime(rtpInfo); ok {
			d.Player.Flush(rtptime)
		}
	}

	resp.SetStatus(200, statusText(200))
	return nil
}

func handleFlush(_ context.Context, d *Dispatcher, conn *ConnState, req, resp *message.Message) error {
	if !d.Sessions.Holds(conn.ID) {
		return rtsperrors.NewPrecondition("flush", fmt.Errorf("connection does not hold the session slot"))
	}

	var rtptime uint32
	if rtpInfo, ok := req.Header("RTP-Info"); ok {
		rtptime, _ = parseRTPTime(rtpInfo)
	}
	d.Player.Flush(rtptime)

	resp.SetStatus(200, statusText(200))
	return nil
}

func handleTeardown(_ context.Context, d *Dispatcher, conn *ConnState, _, resp *message.Message) error {
	if !d.Sessions.Holds(conn.ID) {
		return rtsperrors.NewPrecondition("teardown", fmt.Errorf("connection does not hold the session slot"))
	}

	d.Player.Stop()
	resp.AddHeader("Connection", "close")
	resp.SetStatus(200, statusText(200))
	return nil
}

func handleGetParameter(_ context.Context, d *Dispatcher, _ *ConnState, req, resp *message.Message) error {
	if strings.TrimSpace(string(req.Body())) == "volume" {
		resp.SetBody([]byte(fmt.Sprintf("\r\nvolume: %.6f\r\n", d.Runtime.Volume())))
	}
	resp.SetStatus(200, statusText(200))
	return nil
}

func handleSetParameter(_ context.Context, d *Dispatcher, conn *ConnState, req, resp *message.Message) error {
	contentType, _ := req.Header("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "application/x-dmap-tagged"):
		if err := handleDMAPBody(d, conn, req); err != nil {
			return err
		}
	case strings.HasPrefix(contentType, "image/"):
		handleImageBody(d, conn, req)
	case strings.HasPrefix(contentType, "text/parameters"):
		handleTextParametersBody(d, conn, req)
	default:
		if d.Log != nil {
			d.Log.Debug().Str("content-type", contentType).Msg("set_parameter: unhandled content type")
		}
	}

	resp.SetStatus(200, statusText(200))
	return nil
}

func handleDMAPBody(d *Dispatcher, conn *ConnState, req *message.Message) error {
	var startPayload []byte
	if rtpInfo, ok := req.Header("RTP-Info"); ok {
		if rtptime, ok := parseRTPTime(rtpInfo); ok {
			startPayload = make([]byte, 4)
			binary.BigEndian.PutUint32(startPayload, rtptime)
		}
	}
	d.emitRaw(conn, tag4("ssnc"), tag4("mdst"), startPayload)

	records, err := dmap.Parse(req.Body())
	if err != nil {
		return err
	}
	for _, r := range records {
		// Copy: r.Data is a sub-slice of req's body buffer, which is
		// released back to conn.Serve's request once the handler
		// returns, well before an async sink would get to it.
		d.emitRaw(conn, tag4("core"), r.Tag, append([]byte(nil), r.Data...))
	}

	d.emitRaw(conn, tag4("ssnc"), tag4("mden"), nil)
	return nil
}

func handleImageBody(d *Dispatcher, conn *ConnState, req *message.Message) {
	if !d.Cfg.GetCoverArt {
		return
	}
	d.emitRaw(conn, tag4("ssnc"), tag4("pcst"), nil)
	// The cover art body can be large; forward it by retained reference
	// to req rather than copying, via the carrier path.
	d.emitCarrier(conn, tag4("ssnc"), tag4("PICT"), req)
	d.emitRaw(conn, tag4("ssnc"), tag4("pcen"), nil)
}

func handleTextParametersBody(d *Dispatcher, conn *ConnState, req *message.Message) {
	kvs := params.ParseTextParameters(string(req.Body()))
	for _, kv := range kvs {
		switch kv.Key {
		case "volume":
			if v, err := strconv.ParseFloat(kv.Value, 64); err == nil {
				d.Player.SetVolume(v)
				d.Runtime.SetVolume(v)
			}
		case "progress":
			d.emitText(conn, "prgr", kv.Value)
		}
	}
}

// emitText emits an "ssnc" metadata event carrying text as its payload.
func (d *Dispatcher) emitText(conn *ConnState, code string, text string) {
	d.emitRaw(conn, tag4("ssnc"), tag4(code), []byte(text))
}

// emitRaw enqueues a metadata package into every enabled sink. It never
// blocks the dispatcher: a full sink queue drops the package instead.
func (d *Dispatcher) emitRaw(_ *ConnState, typ, code [4]byte, data []byte) {
	if d.Meta == nil {
		return
	}
	d.Meta.Emit(metadata.EmitRequest{Type: typ, Code: code, Data: data})
}

// emitCarrier enqueues a metadata package that forwards carrier's body by
// reference instead of copying it, retaining carrier on behalf of the
// manager's first sink (Manager.Emit retains once more per additional
// sink, and every sink releases its copy after Consume or on drop).
func (d *Dispatcher) emitCarrier(_ *ConnState, typ, code [4]byte, carrier *message.Message) {
	if d.Meta == nil {
		return
	}
	carrier.Retain()
	d.Meta.Emit(metadata.EmitRequest{Type: typ, Code: code, Carrier: carrier})
}

// tag4 packs an ASCII tag (e.g. "ssnc", "core") into the fixed 4-byte
// form the metadata package and wire formats use.
func tag4(s string) [4]byte {
	var out [4]byte
	copy(out[:], s)
	return out
}

// parseAirPlayVersion extracts the integer after "AirPlay/" in a
// User-Agent header, e.g. "AirPlay/105.1" -> 105.
func parseAirPlayVersion(ua string) (int, bool) {
	idx := strings.Index(ua, "AirPlay/")
	if idx < 0 {
		return 0, false
	}
	rest := ua[idx+len("AirPlay/"):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseRTPTime extracts the rtptime value from an RTP-Info header such
// as "seq=1;rtptime=12345", reusing the Transport header's generic
// semicolon key=value grammar since RTP-Info follows the same syntax.
func parseRTPTime(rtpInfo string) (uint32, bool) {
	tr := params.ParseTransport(rtpInfo)
	v, ok := tr.Fields["rtptime"]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
