// Package shared holds the setup code the test programs have in common.
package shared

import (
	"net/netip"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Clouded-Sabre/vtcp/config"
	"github.com/Clouded-Sabre/vtcp/lib"
	"github.com/Clouded-Sabre/vtcp/netlayer"
)

// Link is a network layer that delivers received packets to a handler.
type Link interface {
	lib.NetworkLayer
	Start(handler lib.Handler)
	Close() error
}

// Host is a transport core running on a link, optionally recording its
// traffic to a pcap file.
type Host struct {
	Core *lib.Core
	Link Link
	Addr netip.Addr

	raw     *netlayer.RawIPLink
	capture *os.File
}

// StartHost builds the link and core described by cfg and starts
// receiving.
func StartHost(cfg *config.Config, log zerolog.Logger) (*Host, error) {
	coreConfig, err := cfg.CoreConfig()
	if err != nil {
		return nil, err
	}
	level := zerolog.InfoLevel
	if coreConfig.Debug {
		level = zerolog.DebugLevel
	}
	log = log.Level(level)
	coreConfig.Logger = &log

	h := &Host{}
	if err := h.openLink(cfg, coreConfig, log); err != nil {
		return nil, err
	}

	var network lib.NetworkLayer = h.Link
	var capture *netlayer.Capture
	if path := cfg.Link.Capture; path != "" {
		if h.capture, err = os.Create(path); err != nil {
			h.Close()
			return nil, errors.Wrap(err, "capture file")
		}
		if capture, err = netlayer.NewCapture(h.Link, h.capture, log); err != nil {
			h.Close()
			return nil, err
		}
		network = capture
	}

	if h.Core, err = lib.NewCore(coreConfig, network); err != nil {
		h.Close()
		return nil, err
	}
	var handler lib.Handler = h.Core.Receive
	if capture != nil {
		handler = capture.Handler(handler)
	}
	h.Link.Start(handler)
	return h, nil
}

func (h *Host) openLink(cfg *config.Config, coreConfig *lib.CoreConfig, log zerolog.Logger) error {
	if cfg.Link.Mode == "raw" {
		rawConfig := netlayer.RawIPLinkConfig{
			Protocol:  coreConfig.ProtocolID,
			RuleDelay: cfg.Link.RuleDelay,
			Logger:    &log,
		}
		if cfg.Link.Addr != "" {
			addr, err := netip.ParseAddr(cfg.Link.Addr)
			if err != nil {
				return errors.Wrap(err, "link addr")
			}
			rawConfig.Addr = addr
		}
		if cfg.Link.FilterRST {
			rawConfig.Filter = netlayer.NewPacketFilterer(log)
		}
		raw, err := netlayer.NewRawIPLink(rawConfig)
		if err != nil {
			return err
		}
		h.Link, h.raw, h.Addr = raw, raw, rawConfig.Addr
		return nil
	}

	linkConfig, err := cfg.Link.UDPLinkConfig()
	if err != nil {
		return err
	}
	linkConfig.Logger = &log
	link, err := netlayer.NewUDPLink(linkConfig)
	if err != nil {
		return err
	}
	h.Link, h.Addr = link, link.Addr()
	return nil
}

// Protect asks a raw link to keep the kernel from resetting traffic on
// ip:port. Other links need no protection.
func (h *Host) Protect(ip netip.Addr, port uint16, direction netlayer.Direction) error {
	if h.raw == nil || !ip.IsValid() {
		return nil
	}
	return h.raw.Protect(ip, port, direction)
}

// Close shuts down the core, then the link.
func (h *Host) Close() error {
	if h.Core != nil {
		h.Core.Close()
	}
	var err error
	if h.Link != nil {
		err = h.Link.Close()
	}
	if h.capture != nil {
		h.capture.Close()
	}
	return err
}

// LogStats writes the core's counters at info level.
func (h *Host) LogStats(log zerolog.Logger) {
	s := h.Core.Stats()
	log.Info().
		Uint64("segments_in", s.SegmentsIn).
		Uint64("segments_out", s.SegmentsOut).
		Uint64("retransmits", s.Retransmits).
		Uint64("checksum_errors", s.ChecksumErrors).
		Uint64("port_unreachable", s.PortUnreachable).
		Uint64("resets_sent", s.ResetsSent).
		Msg("transport stats")
}
