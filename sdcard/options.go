package sdcard

import (
	"log/slog"

	"periph.io/x/conn/v3/physic"
)

// Config holds the driver's bus clocks and polling ceilings.
type Config struct {
	// CommandAttempts bounds the bytes clocked while waiting for an R1.
	// SEND_IF_COND uses 1000 times this value.
	CommandAttempts int

	// OpCondAttempts bounds the APP_CMD/SD_SEND_OP_COND rounds.
	OpCondAttempts int

	// ReadTokenAttempts bounds the wait for the 0xFE start token.
	ReadTokenAttempts int

	// BusyAttempts bounds the wait for the card to release busy after a write.
	BusyAttempts int

	// InitClock is used until the card is configured; DataClock after that.
	InitClock physic.Frequency
	DataClock physic.Frequency

	Logger *slog.Logger
}

// DefaultConfig returns the reference design's values. 1 MHz is a
// conservative data rate, not a protocol maximum.
func DefaultConfig() Config {
	return Config{
		CommandAttempts:   4096,
		OpCondAttempts:    4096,
		ReadTokenAttempts: 1 << 16,
		BusyAttempts:      1 << 18,
		InitClock:         25 * physic.KiloHertz,
		DataClock:         1 * physic.MegaHertz,
	}
}

// Option configures a Card.
type Option func(*Config)

func WithConfig(c Config) Option {
	return func(cfg *Config) {
		*cfg = c
	}
}

func WithCommandAttempts(n int) Option {
	return func(c *Config) {
		c.CommandAttempts = n
	}
}

func WithOpCondAttempts(n int) Option {
	return func(c *Config) {
		c.OpCondAttempts = n
	}
}

func WithReadTokenAttempts(n int) Option {
	return func(c *Config) {
		c.ReadTokenAttempts = n
	}
}

func WithBusyAttempts(n int) Option {
	return func(c *Config) {
		c.BusyAttempts = n
	}
}

func WithInitClock(f physic.Frequency) Option {
	return func(c *Config) {
		c.InitClock = f
	}
}

func WithDataClock(f physic.Frequency) Option {
	return func(c *Config) {
		c.DataClock = f
	}
}

// WithLogger sets the logger for command traces (debug level) and
// initialization decisions. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
