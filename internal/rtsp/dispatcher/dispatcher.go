// Package dispatcher implements RTSP method dispatch: write response
// defaults, run Apple-Challenge and Digest auth, select a handler by
// exact method name, and map any handler error to its RTSP status code.
package dispatcher

import (
	"context"

	"github.com/alxayo/raop-rtsp/internal/config"
	"github.com/alxayo/raop-rtsp/internal/cryptoprov"
	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
	"github.com/alxayo/raop-rtsp/internal/metadata"
	"github.com/alxayo/raop-rtsp/internal/player"
	"github.com/alxayo/raop-rtsp/internal/rtsp/auth"
	"github.com/alxayo/raop-rtsp/internal/rtsp/message"
	"github.com/alxayo/raop-rtsp/internal/rtsp/session"
	"github.com/rs/zerolog"
)

const serverHeader = "AirTunes/105.1"

// supportedMethods is both the dispatch table's key set and, joined,
// the OPTIONS response's Public header value.
var supportedMethods = []string{
	"OPTIONS", "ANNOUNCE", "SETUP", "RECORD",
	"FLUSH", "TEARDOWN", "GET_PARAMETER", "SET_PARAMETER",
}

type handlerFunc func(ctx context.Context, d *Dispatcher, conn *ConnState, req, resp *message.Message) error

var handlers = map[string]handlerFunc{
	"OPTIONS":        handleOptions,
	"ANNOUNCE":       handleAnnounce,
	"SETUP":          handleSetup,
	"RECORD":         handleRecord,
	"FLUSH":          handleFlush,
	"TEARDOWN":       handleTeardown,
	"GET_PARAMETER":  handleGetParameter,
	"SET_PARAMETER":  handleSetParameter,
}

// Dispatcher holds the collaborators every handler needs: the static
// config snapshot, the mutable runtime (volume), the session-slot
// registry, the crypto provider, the metadata fan-out manager, and the
// player. One Dispatcher is shared by every connection.
type Dispatcher struct {
	Cfg      *config.Snapshot
	Runtime  *config.Runtime
	Sessions *session.Registry
	Crypto   *cryptoprov.Provider
	Meta     *metadata.Manager
	Player   player.Player
	Log      *zerolog.Logger
}

// New creates a Dispatcher from its collaborators.
func New(cfg *config.Snapshot, rt *config.Runtime, sessions *session.Registry, crypto *cryptoprov.Provider, meta *metadata.Manager, pl player.Player, log *zerolog.Logger) *Dispatcher {
	return &Dispatcher{Cfg: cfg, Runtime: rt, Sessions: sessions, Crypto: crypto, Meta: meta, Player: pl, Log: log}
}

// Dispatch handles a single request on behalf of conn and returns the
// fully built response message. It never returns a nil response: an
// unrecognized method, a failed auth check, or a handler error all
// produce a response with an appropriate status instead of an error
// return. An unrecognized method leaves the 400 default untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *ConnState, req *message.Message) *message.Message {
	resp := message.New()
	resp.SetStatus(400, statusText(400))

	if cseq, ok := req.Header("CSeq"); ok {
		resp.AddHeader("CSeq", cseq)
	}
	resp.AddHeader("Server", serverHeader)

	if challenge, ok := req.Header("Apple-Challenge"); ok {
		sig, err := auth.AppleChallengeResponse(d.Crypto, challenge, conn.LocalAddr, d.Cfg.HWAddr)
		if err != nil {
			d.logf(err, "apple-challenge failed")
		} else {
			resp.AddHeader("Apple-Response", sig)
		}
	}

	if d.Cfg.Password != "" {
		if conn.Digest == nil {
			ds, err := auth.NewDigestState()
			if err != nil {
				d.logf(err, "failed to create digest nonce")
				resp.SetStatus(500, statusText(500))
				return resp
			}
			conn.Digest = ds
		}
		if !conn.Digest.Satisfied() {
			authHeader, _ := req.Header("Authorization")
			if err := conn.Digest.VerifyDigest(authHeader, req.Method, d.Cfg.Password); err != nil {
				resp.SetStatus(401, statusText(401))
				resp.AddHeader("WWW-Authenticate", conn.Digest.WWWAuthenticate())
				return resp
			}
		}
	}

	handler, ok := handlers[req.Method]
	if !ok {
		return resp
	}

	if err := handler(ctx, d, conn, req, resp); err != nil {
		status := rtsperrors.RTSPStatus(err)
		if status == 0 {
			status = 400
			resp.AddHeader("Connection", "close")
		}
		resp.SetStatus(status, statusText(status))
		d.logf(err, "handler failed")
	}

	return resp
}

func (d *Dispatcher) logf(err error, msg string) {
	if d.Log != nil {
		d.Log.Debug().Err(err).Msg(msg)
	}
}

// statusText maps an RTSP status code to its reason phrase.
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 451:
		return "Parameter Not Understood"
	case 453:
		return "Not Enough Bandwidth"
	case 456:
		return "Header Field Not Valid for Resource"
	case 500:
		return "Internal Server Error"
	default:
		return "Error"
	}
}
