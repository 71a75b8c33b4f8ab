// Package player defines the audio-output collaborator the dispatcher
// calls into: play, stop, flush at an RTP timestamp, and set volume.
// Actual audio decode/output is out of scope here; this package is the
// interface edge plus a logging default so the dispatcher has something
// to call against.
package player

import "github.com/rs/zerolog"

// Player is the audio-output collaborator. Implementations own decode
// and output; the dispatcher only calls these four operations.
type Player interface {
	// Play starts (or resumes) audio output.
	Play()
	// Stop halts audio output.
	Stop()
	// Flush discards buffered audio up to rtptime.
	Flush(rtptime uint32)
	// SetVolume sets output gain in dB (AirPlay's float volume encoding,
	// e.g. -30.0 .. 0.0, or -144.0 for mute).
	SetVolume(db float64)
	// Running reports whether Play has been called more recently than
	// Stop.
	Running() bool
}

// LoggingPlayer is the default Player: it logs every call and tracks
// Running state, but performs no actual audio I/O.
type LoggingPlayer struct {
	log     *zerolog.Logger
	running bool
}

// NewLoggingPlayer creates a LoggingPlayer that logs through log.
func NewLoggingPlayer(log *zerolog.Logger) *LoggingPlayer {
	return &LoggingPlayer{log: log}
}

func (p *LoggingPlayer) Play() {
	p.running = true
	if p.log != nil {
		p.log.Info().Msg("player: play")
	}
}

func (p *LoggingPlayer) Stop() {
	p.running = false
	if p.log != nil {
		p.log.Info().Msg("player: stop")
	}
}

func (p *LoggingPlayer) Flush(rtptime uint32) {
	if p.log != nil {
		p.log.Info().Uint32("rtptime", rtptime).Msg("player: flush")
	}
}

func (p *LoggingPlayer) SetVolume(db float64) {
	if p.log != nil {
		p.log.Info().Float64("db", db).Msg("player: set volume")
	}
}

func (p *LoggingPlayer) Running() bool { return p.running }
