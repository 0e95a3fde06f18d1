package client

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default connection options.
const (
	DefaultReconnectionAttempts = 5
	DefaultReconnectionDelay    = 1000 * time.Millisecond
	DefaultReconnectionDelayMax = 5000 * time.Millisecond
	DefaultRandomizationFactor  = 0.5
	DefaultTimeout              = 20000 * time.Millisecond
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	// NoReconnect disables automatic reconnection.
	NoReconnect bool

	// ReconnectionAttempts is the number of consecutive connect errors after
	// which the manager gives up until Reconnect is called.
	ReconnectionAttempts int

	// ReconnectionDelay is the first delay between attempts; it doubles up
	// to ReconnectionDelayMax.
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration

	// RandomizationFactor jitters each delay by +/- the given fraction.
	// Negative disables jitter.
	RandomizationFactor float64

	// Timeout bounds the handshake: dial, engine open and namespace connect.
	Timeout time.Duration

	// Header is sent with the WebSocket upgrade request.
	Header http.Header

	// Dialer opens the transport. Defaults to DialWebSocket.
	Dialer Dialer
}

func (o Options) withDefaults() Options {
	if o.ReconnectionAttempts <= 0 {
		o.ReconnectionAttempts = DefaultReconnectionAttempts
	}
	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = DefaultReconnectionDelay
	}
	if o.ReconnectionDelayMax <= 0 {
		o.ReconnectionDelayMax = DefaultReconnectionDelayMax
	}
	if o.ReconnectionDelayMax < o.ReconnectionDelay {
		o.ReconnectionDelayMax = o.ReconnectionDelay
	}
	if o.RandomizationFactor == 0 {
		o.RandomizationFactor = DefaultRandomizationFactor
	}
	if o.RandomizationFactor < 0 {
		o.RandomizationFactor = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Dialer == nil {
		o.Dialer = DialWebSocket
	}
	return o
}

// reconnectDelay yields the delays between reconnection attempts.
type reconnectDelay struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

func newReconnectDelay(o Options) *reconnectDelay {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.ReconnectionDelay
	b.MaxInterval = o.ReconnectionDelayMax
	b.RandomizationFactor = o.RandomizationFactor
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectDelay{b: b, max: o.ReconnectionDelayMax}
}

// Next returns the delay before the next attempt, never above the cap.
func (d *reconnectDelay) Next() time.Duration {
	next := d.b.NextBackOff()
	if next == backoff.Stop || next > d.max {
		return d.max
	}
	return next
}

// Reset restarts the sequence from the initial delay.
func (d *reconnectDelay) Reset() {
	d.b.Reset()
}
