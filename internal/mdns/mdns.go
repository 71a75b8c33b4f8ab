// Package mdns advertises the RAOP service over mDNS/DNS-SD: a single
// _raop._tcp instance carrying the TXT record fields an AirPlay v1
// sender expects before it will attempt a handshake.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/alxayo/raop-rtsp/internal/config"
	"github.com/brutella/dnssd"
	"github.com/rs/zerolog"
)

const serviceType = "_raop._tcp"

// Advertiser owns the dnssd responder and the one service entry it
// announces for the lifetime of the process.
type Advertiser struct {
	log *zerolog.Logger

	mu       sync.Mutex
	rp       dnssd.Responder
	svc      dnssd.Service
	cancel   context.CancelFunc
	doneChan chan struct{}
}

// New creates an unstarted Advertiser.
func New(log *zerolog.Logger) *Advertiser {
	return &Advertiser{log: log}
}

// instanceName matches the "<hex-hw-addr>@<hostname>" convention AirPlay
// senders see from real receivers, so the same device stays identifiable
// across restarts even when the OS hostname is generic.
func instanceName(cfg *config.Snapshot) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "raop-rtsp"
	}
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X@%s",
		cfg.HWAddr[0], cfg.HWAddr[1], cfg.HWAddr[2],
		cfg.HWAddr[3], cfg.HWAddr[4], cfg.HWAddr[5], host)
}

// txtRecord builds the TXT fields an AirPlay v1 sender expects: a fixed
// RAOP v1 capability set plus the one field (pw) that actually varies
// with the running configuration.
func txtRecord(cfg *config.Snapshot) map[string]string {
	return map[string]string{
		"tp":      "UDP",
		"sm":      "false",
		"sv":      "false",
		"ek":      "1",
		"et":      "0,1",
		"cn":      "0,1",
		"ch":      "2",
		"ss":      "16",
		"sr":      "44100",
		"pw":      strconv.FormatBool(cfg.Password != ""),
		"vn":      "3",
		"md":      "0,1,2",
		"txtvers": "1",
	}
}

// Start registers the _raop._tcp service on port and begins responding
// to mDNS queries in a background goroutine. Safe to call only once per
// Advertiser.
func (a *Advertiser) Start(cfg *config.Snapshot, port int) error {
	svcCfg := dnssd.Config{
		Name: instanceName(cfg),
		Type: serviceType,
		Port: port,
		Text: txtRecord(cfg),
	}

	svc, err := dnssd.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("mdns: build service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("mdns: new responder: %w", err)
	}

	if _, err := rp.Add(svc); err != nil {
		return fmt.Errorf("mdns: add service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.rp = rp
	a.svc = svc
	a.cancel = cancel
	a.doneChan = make(chan struct{})
	done := a.doneChan
	a.mu.Unlock()

	go func() {
		defer close(done)
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			if a.log != nil {
				a.log.Warn().Err(err).Msg("mdns responder error")
			}
		}
	}()

	if a.log != nil {
		a.log.Info().Str("name", svcCfg.Name).Int("port", port).Msg("mdns advertising _raop._tcp")
	}
	return nil
}

// Stop withdraws the service announcement and stops the responder.
// Safe to call on a never-started or already-stopped Advertiser.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	rp, svc, cancel, done := a.rp, a.svc, a.cancel, a.doneChan
	a.rp, a.svc, a.cancel, a.doneChan = nil, nil, nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	if rp != nil && svc != nil {
		rp.Remove(svc)
	}
	cancel()
	<-done

	if a.log != nil {
		a.log.Info().Msg("mdns advertising stopped")
	}
}
