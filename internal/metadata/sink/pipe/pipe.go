// Package pipe implements a metadata.Sink that writes each package as an
// `<item>` element to a named pipe (FIFO):
// `<item><type>%x</type><code>%x</code><length>%u</length>\n<data
// encoding="base64">\n<b64 in 76-char lines>\n</data></item>\n`, with the
// `<data>` section omitted for a zero-length payload.
package pipe

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/alxayo/raop-rtsp/internal/metadata"
	"github.com/rs/zerolog"
)

const base64LineWidth = 76

const fifoMode = 0666

// Sink writes metadata packages to a named pipe at path, creating the
// FIFO if it does not already exist.
type Sink struct {
	path string
	log  *zerolog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a pipe sink for path. The FIFO itself is created lazily on
// the first Consume call, since opening a FIFO for writing blocks until
// a reader attaches and we don't want to stall sink registration.
func New(path string, log *zerolog.Logger) *Sink {
	return &Sink{path: path, log: log}
}

func (s *Sink) Name() string { return "pipe:" + s.path }

func (s *Sink) ensureOpen() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return s.file, nil
	}

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if mkErr := syscall.Mkfifo(s.path, fifoMode); mkErr != nil && !os.IsExist(mkErr) {
			return nil, mkErr
		}
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_NONBLOCK, fifoMode)
	if err != nil {
		return nil, err
	}
	s.file = f
	return f, nil
}

// Consume writes a single `<item>` element. Write errors (most commonly,
// no reader attached to the FIFO) close the file so the next package
// retries ensureOpen rather than writing to a stale descriptor.
func (s *Sink) Consume(_ context.Context, pkg metadata.Package) {
	f, err := s.ensureOpen()
	if err != nil {
		if s.log != nil {
			s.log.Debug().Err(err).Str("path", s.path).Msg("metadata pipe: no reader attached")
		}
		return
	}

	data := pkg.Data
	if pkg.Carrier != nil {
		data = pkg.Carrier.Body()
	}

	typ := binary.BigEndian.Uint32(pkg.Type[:])
	code := binary.BigEndian.Uint32(pkg.Code[:])

	var b strings.Builder
	fmt.Fprintf(&b, "<item><type>%x</type><code>%x</code><length>%d</length>\n", typ, code, len(data))
	if len(data) > 0 {
		b.WriteString("<data encoding=\"base64\">\n")
		writeWrappedBase64(&b, data)
		b.WriteString("\n</data>")
	}
	b.WriteString("</item>\n")

	if _, err := f.Write([]byte(b.String())); err != nil {
		s.mu.Lock()
		f.Close()
		s.file = nil
		s.mu.Unlock()
		if s.log != nil {
			s.log.Debug().Err(err).Str("path", s.path).Msg("metadata pipe: write failed, closing")
		}
	}
}

// writeWrappedBase64 writes data's standard base64 encoding wrapped at
// base64LineWidth columns, matching the original pipe writer's line
// folding.
func writeWrappedBase64(b *strings.Builder, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for i := 0; i < len(encoded); i += base64LineWidth {
		end := i + base64LineWidth
		if end > len(encoded) {
			end = len(encoded)
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(encoded[i:end])
	}
}

// Close closes the underlying file descriptor, if open.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}
