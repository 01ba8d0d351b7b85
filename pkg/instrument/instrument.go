// Package instrument drives the Keithley 2000 multimeter and its scanner
// card over a serial link.
package instrument

import (
	"errors"
	"fmt"
	"time"
)

// Channels is the number of scanner channels sampled by the logger.
const Channels = 3

const (
	BaudRate        = 9600
	ResponseTimeout = 5 * time.Second
	Terminator      = '\r'

	// DefaultSettle is the relay settle time between closing a channel and
	// triggering the reading.
	DefaultSettle = 50 * time.Millisecond
	// DefaultCommandDelay spaces the initialization writes.
	DefaultCommandDelay = 50 * time.Millisecond
)

var (
	ErrNoDeviceFound        = errors.New("no instrument found")
	ErrInitializationFailed = errors.New("instrument initialization failed")
	// ErrRead is a per-channel failure; the session stays usable.
	ErrRead = errors.New("channel read failed")
	// ErrParse is returned for non-numeric responses and matches ErrRead.
	ErrParse = fmt.Errorf("%w: unparseable response", ErrRead)
	// ErrLinkFatal means the link is gone and the session must be closed.
	ErrLinkFatal = errors.New("instrument link lost")
)

// Session is an open, initialized instrument. ReadChannel may block up to
// ResponseTimeout. Close must be called exactly once.
type Session interface {
	ReadChannel(ch int) (float64, error)
	Close() error
}

// Opener acquires a new Session.
type Opener func() (Session, error)

// Options selects the serial endpoint. An empty Port means discover the
// first enumerated port matching VID/PID (both optional).
type Options struct {
	Port         string
	VID          string
	PID          string
	Settle       time.Duration
	CommandDelay time.Duration
}

func (o Options) settle() time.Duration {
	if o.Settle < 0 {
		return 0
	}
	if o.Settle == 0 {
		return DefaultSettle
	}
	return o.Settle
}

func (o Options) commandDelay() time.Duration {
	if o.CommandDelay < 0 {
		return 0
	}
	if o.CommandDelay == 0 {
		return DefaultCommandDelay
	}
	return o.CommandDelay
}
