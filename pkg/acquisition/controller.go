// Package acquisition runs the channel scan loop: it owns the instrument
// session for the length of a run and feeds calibrated samples to the store.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/ericogr/k2000-logger/pkg/calibration"
	"github.com/ericogr/k2000-logger/pkg/instrument"
	"github.com/ericogr/k2000-logger/pkg/output"
	"github.com/ericogr/k2000-logger/pkg/sample"
	"github.com/ericogr/k2000-logger/pkg/store"
)

var (
	ErrAlreadyRunning   = errors.New("acquisition already running")
	ErrNotRunning       = errors.New("acquisition not running")
	ErrIntervalTooShort = errors.New("sampling interval below minimum")
	ErrIntervalTooLong  = errors.New("sampling interval above maximum")
	ErrDuplicateSink    = errors.New("sink shared by several channels")
)

// MaxInterval is the longest accepted pause between scan rounds.
const MaxInterval = 7 * 24 * time.Hour

// ChannelSpec is the per-channel part of a run. A nil or non-positive
// Weight disables persistence for the channel.
type ChannelSpec struct {
	Sink   string
	Weight *float64
}

// RunConfig is captured at Start and is immutable for the run.
type RunConfig struct {
	Channels [instrument.Channels]ChannelSpec
	Interval time.Duration
}

// validate checks the parts of cfg that do not need the store or the
// instrument.
func (cfg RunConfig) validate(minInterval time.Duration) error {
	if cfg.Interval < minInterval {
		return fmt.Errorf("%w: %s < %s", ErrIntervalTooShort, cfg.Interval, minInterval)
	}
	if cfg.Interval > MaxInterval {
		return fmt.Errorf("%w: %s > %s", ErrIntervalTooLong, cfg.Interval, MaxInterval)
	}
	seen := make(map[string]int, instrument.Channels)
	for i, ch := range cfg.Channels {
		if !calibration.Weighted(ch.Weight) {
			continue
		}
		key := filepath.Clean(ch.Sink)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("%w: channels %d and %d both write %q", ErrDuplicateSink, prev, i+1, ch.Sink)
		}
		seen[key] = i + 1
	}
	return nil
}

type Options struct {
	Open     instrument.Opener
	Store    *store.Store
	Factors  [instrument.Channels]float64
	Pipeline calibration.Pipeline
	// MinInterval is the lower bound accepted for RunConfig.Interval.
	MinInterval time.Duration
	// SkipUnweightedReads leaves channels without a weight out of the scan
	// instead of reading them and discarding the result.
	SkipUnweightedReads bool
	Outputs             []output.Output
	// Notify, when set, receives a snapshot after every state change.
	Notify func(Status)
}

type Controller struct {
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	state State
	// starting is set while Start opens the sinks and the instrument. The
	// controller still reports Idle but refuses a second Start.
	starting bool
	cancel   context.CancelFunc
	done     chan struct{}
	run      *RunInfo
}

func New(opts Options) *Controller {
	return &Controller{opts: opts, now: time.Now}
}

// Start opens the sinks and the instrument, then launches the scan loop.
// The controller becomes Running only once both are open; on error it stays
// Idle, records the failure as the last run and returns the error.
func (c *Controller) Start(cfg RunConfig) error {
	if err := cfg.validate(c.opts.MinInterval); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Idle || c.starting {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.starting = true
	c.mu.Unlock()

	sess, writers, err := c.prepare(cfg)
	if err != nil {
		now := c.now()
		c.mu.Lock()
		c.starting = false
		c.run = &RunInfo{StartedAt: now, EndedAt: now, Reason: TerminationStartFailed, Error: err.Error()}
		c.mu.Unlock()
		log.Printf("acquisition: start failed: %v", err)
		c.notify()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.starting = false
	c.state = Running
	c.cancel = cancel
	c.done = done
	c.run = &RunInfo{StartedAt: c.now()}
	c.mu.Unlock()
	c.notify()

	go c.loop(ctx, cancel, sess, writers, cfg, done)
	return nil
}

// Stop asks the running loop to exit and returns without waiting for it.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = StopRequested
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.notify()
	return nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Done is closed when the current run, if any, has released the instrument.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Query returns the persisted series of each sink, in the order given.
func (c *Controller) Query(sinks []string) ([][]sample.Point, error) {
	out := make([][]sample.Point, len(sinks))
	for i, sink := range sinks {
		series, err := c.opts.Store.Series(sink)
		if err != nil {
			return nil, err
		}
		out[i] = series
	}
	return out, nil
}

func (c *Controller) statusLocked() Status {
	st := Status{State: c.state}
	if c.run != nil {
		r := *c.run
		st.Run = &r
	}
	return st
}

func (c *Controller) notify() {
	if c.opts.Notify == nil {
		return
	}
	c.opts.Notify(c.Status())
}

func (c *Controller) prepare(cfg RunConfig) (instrument.Session, []*store.Writer, error) {
	writers := make([]*store.Writer, instrument.Channels)
	closeWriters := func() {
		for _, w := range writers {
			if w != nil {
				w.Close()
			}
		}
	}
	for i, ch := range cfg.Channels {
		if !calibration.Weighted(ch.Weight) {
			continue
		}
		w, err := c.opts.Store.OpenWriter(ch.Sink)
		if err != nil {
			closeWriters()
			return nil, nil, fmt.Errorf("channel %d: %w", i+1, err)
		}
		writers[i] = w
	}
	sess, err := c.opts.Open()
	if err != nil {
		closeWriters()
		return nil, nil, err
	}
	return sess, writers, nil
}

func (c *Controller) loop(ctx context.Context, cancel context.CancelFunc, sess instrument.Session, writers []*store.Writer, cfg RunConfig, done chan struct{}) {
	reason := TerminationStopped
	var runErr error
	defer func() {
		cancel()
		for _, w := range writers {
			if w != nil {
				if err := w.Close(); err != nil {
					log.Printf("acquisition: close %s: %v", w.Sink(), err)
				}
			}
		}
		if err := sess.Close(); err != nil {
			log.Printf("acquisition: close instrument: %v", err)
		}
		c.finish(done, reason, runErr)
	}()

	start := c.now()
	for {
		appended := make([]sample.Sample, 0, instrument.Channels)
		for i, ch := range cfg.Channels {
			if ctx.Err() != nil {
				return
			}
			w := writers[i]
			if w == nil && c.opts.SkipUnweightedReads {
				continue
			}
			number := i + 1
			raw, err := sess.ReadChannel(number)
			if errors.Is(err, instrument.ErrLinkFatal) {
				log.Printf("acquisition: channel %d: %v", number, err)
				reason, runErr = TerminationLinkFatal, err
				return
			}
			if err != nil {
				log.Printf("acquisition: channel %d skipped: %v", number, err)
				continue
			}
			ts := c.now()
			cal, norm := c.opts.Pipeline.Normalize(&raw, c.opts.Factors[i], ch.Weight)
			if w == nil || norm == nil {
				continue
			}
			smp := sample.Sample{
				Channel:    number,
				Sink:       ch.Sink,
				Elapsed:    w.Offset() + ts.Sub(start).Hours(),
				Raw:        &raw,
				Calibrated: cal,
				Normalized: norm,
				Timestamp:  ts,
			}
			ok, err := w.Append(smp)
			if err != nil {
				log.Printf("acquisition: channel %d: %v", number, err)
				continue
			}
			if ok {
				appended = append(appended, smp)
			}
		}
		c.publish(appended)
		c.mu.Lock()
		c.run.Rounds++
		c.mu.Unlock()

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Controller) publish(samples []sample.Sample) {
	if len(samples) == 0 {
		return
	}
	for _, o := range c.opts.Outputs {
		if err := o.Publish(samples); err != nil {
			log.Printf("acquisition: publish: %v", err)
		}
	}
}

func (c *Controller) finish(done chan struct{}, reason Termination, err error) {
	c.mu.Lock()
	c.state = Idle
	c.cancel = nil
	c.run.EndedAt = c.now()
	c.run.Reason = reason
	if err != nil {
		c.run.Error = err.Error()
	}
	c.mu.Unlock()
	close(done)
	if reason != TerminationStopped {
		log.Printf("acquisition: run ended (%s): %v", reason, err)
	}
	c.notify()
}
