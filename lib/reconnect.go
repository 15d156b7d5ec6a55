package lib

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ClientReconnectConfig holds configuration for client-side automatic reconnection
type ClientReconnectConfig struct {
	MaxRetries        int           // Maximum reconnection attempts (-1 for infinite)
	InitialBackoff    time.Duration // Initial backoff delay
	MaxBackoff        time.Duration // Maximum backoff cap
	BackoffMultiplier float64       // Exponential backoff multiplier (e.g., 2.0)
	OnReconnect       func()        // Called on successful reconnection
	OnFinalFailure    func(error)   // Called when all retries are exhausted
}

func DefaultClientReconnectConfig() *ClientReconnectConfig {
	return &ClientReconnectConfig{
		MaxRetries:        10,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// ClientReconnectHelper keeps a client connection to one server alive,
// dialing again when the current connection is reset or times out.
type ClientReconnectHelper struct {
	core         *Core
	remote       netip.AddrPort
	reconnectCfg *ClientReconnectConfig
	log          zerolog.Logger

	connMutex   sync.RWMutex
	currentConn *Connection
	retryCount  int
	lastBackoff time.Duration
}

func NewClientReconnectHelper(core *Core, remote netip.AddrPort, reconnectCfg *ClientReconnectConfig) *ClientReconnectHelper {
	if reconnectCfg == nil {
		reconnectCfg = DefaultClientReconnectConfig()
	}
	return &ClientReconnectHelper{
		core:         core,
		remote:       remote,
		reconnectCfg: reconnectCfg,
		log:          core.log.With().Str("remote", remote.String()).Logger(),
		lastBackoff:  reconnectCfg.InitialBackoff,
	}
}

func (h *ClientReconnectHelper) SetConnection(conn *Connection) {
	h.connMutex.Lock()
	defer h.connMutex.Unlock()
	h.currentConn = conn
	h.retryCount = 0
	h.lastBackoff = h.reconnectCfg.InitialBackoff
}

func (h *ClientReconnectHelper) GetConnection() *Connection {
	h.connMutex.RLock()
	defer h.connMutex.RUnlock()
	return h.currentConn
}

// Reconnectable reports whether err means the connection is gone and a
// new one may succeed.
func Reconnectable(err error) bool {
	return errors.Is(err, ErrConnectionReset) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionRefused)
}

// HandleError redials after a reconnectable error, backing off between
// attempts. It reports whether a new connection is in place.
func (h *ClientReconnectHelper) HandleError(err error) bool {
	if err == nil {
		return true
	}
	if !Reconnectable(err) {
		return false
	}
	h.log.Warn().Err(err).Msg("connection lost, reconnecting")

	var lastErr error
	for h.reconnectCfg.MaxRetries == -1 || h.retryCount < h.reconnectCfg.MaxRetries {
		h.retryCount++
		h.log.Info().Int("attempt", h.retryCount).Dur("backoff", h.lastBackoff).Msg("waiting before redial")
		time.Sleep(h.lastBackoff)

		conn, err := h.core.Dial(h.remote)
		if err == nil {
			h.connMutex.Lock()
			old := h.currentConn
			h.currentConn = conn
			h.connMutex.Unlock()
			if old != nil {
				old.abort(ErrConnectionReset)
			}

			h.log.Info().Int("attempt", h.retryCount).Msg("reconnected")
			h.retryCount = 0
			h.lastBackoff = h.reconnectCfg.InitialBackoff
			if h.reconnectCfg.OnReconnect != nil {
				h.reconnectCfg.OnReconnect()
			}
			return true
		}

		lastErr = err
		h.log.Info().Err(err).Int("attempt", h.retryCount).Msg("redial failed")
		h.lastBackoff = CalculateBackoffDuration(1, h.lastBackoff, h.reconnectCfg.MaxBackoff, h.reconnectCfg.BackoffMultiplier)
	}

	h.log.Error().Int("attempts", h.retryCount).Msg("reconnection failed")
	if h.reconnectCfg.OnFinalFailure != nil {
		h.reconnectCfg.OnFinalFailure(errors.Wrapf(lastErr, "reconnect to %s", h.remote))
	}
	return false
}

// CalculateBackoffDuration calculates the backoff duration for a given retry count
func CalculateBackoffDuration(retryCount int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := float64(initialBackoff)
	for i := 0; i < retryCount; i++ {
		backoff *= multiplier
		if backoff >= float64(maxBackoff) {
			return maxBackoff
		}
	}
	return time.Duration(backoff)
}
