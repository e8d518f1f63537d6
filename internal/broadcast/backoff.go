package broadcast

import (
	"math/rand"
	"sync"
	"time"
)

// schedule hands out per-attempt confirm timeouts. Attempt 1 waits
// InitialDelay; each later attempt grows by Multiplier up to MaxDelay.
type schedule struct {
	cfg BackoffConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func newSchedule(cfg BackoffConfig, seed int64) *schedule {
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	return &schedule{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Timeout returns the confirm window for attempt (1-based).
func (s *schedule) Timeout(attempt int) time.Duration {
	if s.cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(s.cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.cfg.Multiplier
		if s.cfg.MaxDelay > 0 && delay >= float64(s.cfg.MaxDelay) {
			delay = float64(s.cfg.MaxDelay)
			break
		}
	}
	if s.cfg.Jitter {
		s.mu.Lock()
		delay *= 0.5 + s.rng.Float64()
		s.mu.Unlock()
	}
	return time.Duration(delay)
}
