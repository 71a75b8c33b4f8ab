// Package framer reassembles RTSP requests off a byte stream and
// serializes responses onto one: not safe for concurrent use, one
// read-loop goroutine, a reused scratch buffer, and typed errors for the
// caller to branch on.
package framer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alxayo/raop-rtsp/internal/bufpool"
	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
	"github.com/alxayo/raop-rtsp/internal/rtsp/message"
)

// Protocol tokens the request/status line must carry.
const (
	rtspVersion  = "RTSP/1.0"
	bodyChunkCap = 64 * 1024
	stallAfter   = 15 * time.Second
	chunkPacing  = 80 * time.Millisecond
)

// StallFunc is invoked at most once per message if the body read exceeds
// stallAfter; reading continues regardless — a slow body is informational
// only, never a disconnect.
type StallFunc func()

// Framer reads successive RTSP messages from a connection. Not safe for
// concurrent use — call ReadMessage from a single goroutine per
// connection.
type Framer struct {
	r         *bufio.Reader
	pool      *bufpool.Pool
	onStall   StallFunc
	maxHeader int
}

// New creates a Framer reading from r. pool may be nil to use the
// package-level default pool.
func New(r io.Reader, pool *bufpool.Pool, onStall StallFunc) *Framer {
	return &Framer{
		r:         bufio.NewReaderSize(r, 4096),
		pool:      pool,
		onStall:   onStall,
		maxHeader: message.MaxHeaders,
	}
}

// ReadMessage blocks until a complete request has been read, ctx is
// cancelled, or an unrecoverable error occurs. On any non-nil error the
// half-built message (if any) has already been released.
func (f *Framer) ReadMessage(ctx context.Context) (*message.Message, error) {
	line, err := f.readLine(ctx)
	if err != nil {
		return nil, err
	}
	for line == "" {
		line, err = f.readLine(ctx)
		if err != nil {
			return nil, err
		}
	}

	msg := message.New()
	if err := f.parseRequestLine(msg, line); err != nil {
		msg.Release()
		return nil, rtsperrors.NewParseError("framer.request_line", err)
	}

	for {
		select {
		case <-ctx.Done():
			msg.Release()
			return nil, rtsperrors.NewShutdown("framer.headers")
		default:
		}

		line, err := f.readLine(ctx)
		if err != nil {
			msg.Release()
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, ok := splitHeader(line)
		if !ok {
			msg.Release()
			return nil, rtsperrors.NewParseError("framer.header", fmt.Errorf("malformed header %q", line))
		}
		msg.AddHeader(name, value)
	}

	if clValue, ok := msg.Header("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(clValue))
		if err != nil || n < 0 {
			msg.Release()
			return nil, rtsperrors.NewParseError("framer.content_length", fmt.Errorf("invalid Content-Length %q", clValue))
		}
		body, err := f.readBody(ctx, n)
		if err != nil {
			msg.Release()
			return nil, err
		}
		msg.SetBody(body)
	}

	return msg, nil
}

// readLine reads up to the next CR, LF, or CRLF terminator, returning the
// line with the terminator stripped. An empty return with nil error means
// a blank line (header-section terminator or extra line break).
func (f *Framer) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", rtsperrors.NewShutdown("framer.read_line")
	default:
	}

	var sb strings.Builder
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if sb.Len() > 0 {
					return sb.String(), nil
				}
				return "", fmt.Errorf("framer: channel closed: %w", io.EOF)
			}
			return "", rtsperrors.NewIOError("framer.read_line", err)
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if b == '\r' {
			next, err := f.r.Peek(1)
			if err == nil && len(next) == 1 && next[0] == '\n' {
				_, _ = f.r.ReadByte()
			}
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

// parseRequestLine parses "METHOD SP target SP RTSP/1.0".
func (f *Framer) parseRequestLine(msg *message.Message, line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed request line %q", line)
	}
	if parts[2] != rtspVersion {
		return fmt.Errorf("unsupported protocol version %q", parts[2])
	}
	msg.Method = parts[0]
	msg.Target = parts[1]
	return nil
}

func splitHeader(line string) (name, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// readBody reads exactly n bytes in <=64KiB chunks with inter-chunk
// pacing, emitting a single stall callback if the whole read exceeds
// stallAfter. The returned buffer is drawn from the pool; callers that no
// longer need it may return it with bufpool.Put, though ownership passes
// to the Message until release.
func (f *Framer) readBody(ctx context.Context, n int) ([]byte, error) {
	buf := f.get(n)
	start := time.Now()
	stalled := false

	read := 0
	for read < n {
		select {
		case <-ctx.Done():
			return nil, rtsperrors.NewShutdown("framer.read_body")
		default:
		}

		chunk := bodyChunkCap
		if remaining := n - read; remaining < chunk {
			chunk = remaining
		}
		got, err := io.ReadFull(f.r, buf[read:read+chunk])
		read += got
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("framer: channel closed mid-body: %w", io.EOF)
			}
			return nil, rtsperrors.NewIOError("framer.read_body", err)
		}

		if !stalled && time.Since(start) > stallAfter {
			stalled = true
			if f.onStall != nil {
				f.onStall()
			}
		}

		if read < n {
			time.Sleep(chunkPacing)
		}
	}
	return buf, nil
}

func (f *Framer) get(size int) []byte {
	if f.pool != nil {
		return f.pool.Get(size)
	}
	return bufpool.Get(size)
}

// Response size guard: the outgoing packet is checked against a 2 KiB
// buffer budget with a 1 KiB safety margin, i.e. a response is rejected
// once it would leave less than maxResponseSize - responseSafetyMargin
// of headroom.
const (
	maxResponseSize      = 2048
	responseSafetyMargin = 1024
	responseSizeLimit    = maxResponseSize - responseSafetyMargin
)

// WriteMessage serializes a response message (the inverse of
// ReadMessage's request parse) and writes it to w: status line, each
// header in insertion order, a Content-Length header if a body is
// present, a blank line, then the body. Returns a Resource error without
// writing anything if the serialized size would exceed the response
// size guard.
func WriteMessage(w io.Writer, msg *message.Message) error {
	var b strings.Builder

	statusText := msg.StatusText
	if statusText == "" {
		statusText = defaultStatusText(msg.StatusCode)
	}
	fmt.Fprintf(&b, "%s %d %s\r\n", rtspVersion, msg.StatusCode, statusText)

	for _, h := range msg.Headers() {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}

	body := msg.Body()
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")

	total := b.Len() + len(body)
	if total > responseSizeLimit {
		return rtsperrors.NewResource("framer: write response", fmt.Errorf("response size %d exceeds guard %d", total, responseSizeLimit))
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return rtsperrors.NewIOError("framer: write response", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return rtsperrors.NewIOError("framer: write response body", err)
		}
	}
	return nil
}

func defaultStatusText(code int) string {
	if code == 200 {
		return "OK"
	}
	if code == 401 {
		return "Unauthorized"
	}
	return "OK"
}
