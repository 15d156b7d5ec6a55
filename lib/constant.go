package lib

import "time"

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpHeaderLength       = 20 //options not included
	TcpPseudoHeaderLength = 12
	TcpOptionsMaxLength   = 40
	IpHeaderMaxLength     = 60
	MaxWindow             = 0xffff

	// the backoff multiplier doubles on every resend, so the resend count
	// bounds how far it grows
	MaxRetransmitLimit = 30
)

// defaults used by DefaultCoreConfig
const (
	DefaultProtocolID      = 6
	DefaultMSS             = 1360
	DefaultBufferSize      = 64 * 1024
	DefaultTickInterval    = 200 * time.Millisecond
	DefaultRetransmitTicks = 3
	DefaultMaxRetransmits  = 12
	DefaultConnectAttempts = 3
	DefaultConnectTimeout  = 2 * time.Second
	DefaultTimeWait        = 400 * time.Millisecond
	DefaultBacklog         = 16
	DefaultPayloadPoolSize = 2000
	DefaultClientPortLower = 32768
	DefaultClientPortUpper = 61000
)

// State is a connection's position in the TCP state machine.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateFinWait2
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateCloseWait:   "CLOSE_WAIT",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// flagString renders flags the way tcpdump does, e.g. "SA" or "FA".
func flagString(flags uint8) string {
	var b []byte
	if flags&SYNFlag != 0 {
		b = append(b, 'S')
	}
	if flags&FINFlag != 0 {
		b = append(b, 'F')
	}
	if flags&RSTFlag != 0 {
		b = append(b, 'R')
	}
	if flags&PSHFlag != 0 {
		b = append(b, 'P')
	}
	if flags&ACKFlag != 0 {
		b = append(b, 'A')
	}
	if flags&URGFlag != 0 {
		b = append(b, 'U')
	}
	if len(b) == 0 {
		return "."
	}
	return string(b)
}
