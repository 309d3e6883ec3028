package engine

import "time"

// Config holds engine sizing and timing
type Config struct {
	Workers           int
	QueueCapacity     int
	SubmitTimeout     time.Duration
	SweepInterval     time.Duration
	TerminalRetention time.Duration
}

// DefaultConfig returns the sizing used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueCapacity:     4096,
		SubmitTimeout:     5 * time.Second,
		SweepInterval:     250 * time.Millisecond,
		TerminalRetention: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = def.SubmitTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = def.TerminalRetention
	}
	return c
}
