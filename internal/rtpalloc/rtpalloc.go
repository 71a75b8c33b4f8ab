// Package rtpalloc is the concrete edge of the RTP subsystem the RTSP
// control plane hands off to at SETUP time: it allocates the audio,
// control, and timing UDP ports the server advertises back to the
// sender. Only port allocation and teardown are implemented here; RTP
// packet processing itself is left to a real audio backend.
package rtpalloc

import (
	"fmt"
	"net"
)

// Handle holds the three UDP sockets a SETUP response advertises ports
// for, plus the client's control/timing ports learned from the
// Transport header.
type Handle struct {
	Audio   *net.UDPConn
	Control *net.UDPConn
	Timing  *net.UDPConn

	RemoteControlPort int
	RemoteTimingPort  int
}

// Setup allocates fresh local audio/control/timing UDP sockets bound to
// an ephemeral port each, and records the client's remote control/timing
// ports (learned from the SETUP request's Transport header) for later
// use by a real RTP backend. Returns the handle and the three local
// ports the dispatcher advertises back to the client.
func Setup(remoteControlPort, remoteTimingPort int) (h *Handle, audioPort, controlPort, timingPort int, err error) {
	audio, aport, err := listenUDP()
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("rtpalloc: audio socket: %w", err)
	}
	control, cport, err := listenUDP()
	if err != nil {
		audio.Close()
		return nil, 0, 0, 0, fmt.Errorf("rtpalloc: control socket: %w", err)
	}
	timing, tport, err := listenUDP()
	if err != nil {
		audio.Close()
		control.Close()
		return nil, 0, 0, 0, fmt.Errorf("rtpalloc: timing socket: %w", err)
	}

	h = &Handle{
		Audio:             audio,
		Control:           control,
		Timing:            timing,
		RemoteControlPort: remoteControlPort,
		RemoteTimingPort:  remoteTimingPort,
	}
	return h, aport, cport, tport, nil
}

func listenUDP() (*net.UDPConn, int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, 0, err
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// Terminate closes all three sockets. Safe to call on a nil handle.
func (h *Handle) Terminate() {
	if h == nil {
		return
	}
	if h.Audio != nil {
		h.Audio.Close()
	}
	if h.Control != nil {
		h.Control.Close()
	}
	if h.Timing != nil {
		h.Timing.Close()
	}
}
