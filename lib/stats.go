package lib

import (
	"sync/atomic"
)

// Stats are the core's protocol counters.
type Stats struct {
	segmentsIn      atomic.Uint64
	segmentsOut     atomic.Uint64
	retransmits     atomic.Uint64
	checksumErrors  atomic.Uint64
	malformed       atomic.Uint64
	portUnreachable atomic.Uint64
	dropped         atomic.Uint64
	resetsSent      atomic.Uint64
}

type StatsSnapshot struct {
	SegmentsIn      uint64
	SegmentsOut     uint64
	Retransmits     uint64
	ChecksumErrors  uint64
	Malformed       uint64
	PortUnreachable uint64
	Dropped         uint64
	ResetsSent      uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SegmentsIn:      s.segmentsIn.Load(),
		SegmentsOut:     s.segmentsOut.Load(),
		Retransmits:     s.retransmits.Load(),
		ChecksumErrors:  s.checksumErrors.Load(),
		Malformed:       s.malformed.Load(),
		PortUnreachable: s.portUnreachable.Load(),
		Dropped:         s.dropped.Load(),
		ResetsSent:      s.resetsSent.Load(),
	}
}
