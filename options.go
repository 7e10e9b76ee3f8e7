package apns

import (
	"log/slog"
	"time"
)

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger sets the logger the connection annotates and writes through.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(dial Dialer) Option {
	return func(c *Connection) {
		c.dial = dial
	}
}

// WithConnectTimeout bounds the TCP dial plus TLS handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.connectTimeout = d
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.writeTimeout = d
	}
}

// WithSendInterval sets the pause between frame writes.
func WithSendInterval(d time.Duration) Option {
	return func(c *Connection) {
		c.sendInterval = d
	}
}

// WithDrainTimeout sets how long a flush listens for a trailing error
// response after the queue empties.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.drainTimeout = d
	}
}

// WithYield installs a hook called once per flush iteration. Hosts that
// dispatch asynchronous signals cooperatively call their dispatcher here.
func WithYield(yield func()) Option {
	return func(c *Connection) {
		if yield != nil {
			c.yield = yield
		}
	}
}
