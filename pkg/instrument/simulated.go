package instrument

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Simulated stands in for the meter when no hardware is attached. Each
// channel drifts slowly around its own baseline voltage.
type Simulated struct {
	mu     sync.Mutex
	rng    *rand.Rand
	start  time.Time
	closed bool
}

func NewSimulated(seed int64) *Simulated {
	return &Simulated{rng: rand.New(rand.NewSource(seed)), start: time.Now()}
}

// OpenSimulated satisfies Opener.
func OpenSimulated() (Session, error) {
	return NewSimulated(time.Now().UnixNano()), nil
}

func (s *Simulated) ReadChannel(ch int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: session closed", ErrLinkFatal)
	}
	if ch < 1 || ch > Channels {
		return 0, fmt.Errorf("%w: channel %d out of range", ErrRead, ch)
	}
	hours := time.Since(s.start).Hours()
	base := 0.001 * float64(ch)
	drift := base * 0.05 * hours
	noise := (s.rng.Float64() - 0.5) * base * 0.01
	return base + drift + noise, nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
