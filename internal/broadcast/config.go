package broadcast

import "time"

// BackoffConfig defines the per-attempt confirm timeout schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines fan-out and confirmation policy.
type Config struct {
	// MaxAttempts counts every send of one event to one recipient, the first included.
	MaxAttempts   int
	Backoff       BackoffConfig
	SweepInterval time.Duration
	FanoutLimit   int
	// DeliverToSender includes the originating client in its own broadcasts.
	DeliverToSender bool
	// ConfirmReliable tracks confirmations on stream recipients as well.
	ConfirmReliable bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 2 * time.Second,
			Multiplier:   1.0,
		},
		SweepInterval:   100 * time.Millisecond,
		FanoutLimit:     16,
		DeliverToSender: true,
	}
}

// WithDefaults fills zero values; boolean policy is left as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = def.FanoutLimit
	}
	return c
}
