package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// initSequence puts the meter in a known state: DC volts, no auto-zero, no
// filter, 10 PLC integration, auto range, 7 digits, no reference.
var initSequence = []string{
	"*RST",
	"*WAI",
	"*SRE 1",
	"SYST:RWL",
	"SENS:FUNC 'VOLT:DC'",
	"SYST:AZER:STAT 0",
	"SENS:VOLT:DC:AVER:STAT 0",
	"SENS:VOLT:DC:NPLC 10",
	"SENS:VOLT:DC:RANG:AUTO 1",
	"SENS:VOLT:DC:DIG 7",
	"SENS:VOLT:DC:REF:STAT 0",
}

const (
	cmdServiceRequest = "*SRE 1"
	cmdSenseVolts     = "SENS:FUNC 'VOLT:DC'"
	cmdOpenAll        = "ROUT:OPEN:ALL"
	cmdCloseChannel   = "ROUT:CLOS (@%d)"
	queryRead         = "READ?"

	// maxResponse bounds a response line; the meter's longest reading is
	// well below it.
	maxResponse = 256
)

type Keithley struct {
	link         Link
	settle       time.Duration
	commandDelay time.Duration
	timeout      time.Duration
	pending      []byte
	closeOnce    sync.Once
	closeErr     error
}

// Open discovers the serial port, opens it and runs the initialization
// sequence. The returned session owns the link.
func Open(opts Options) (Session, error) {
	name, err := Discover(opts)
	if err != nil {
		return nil, err
	}
	link, err := openLink(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkFatal, err)
	}
	k := NewKeithley(link, opts)
	if err := k.Initialize(); err != nil {
		k.Close()
		return nil, err
	}
	log.Printf("instrument: initialized on %s", name)
	return k, nil
}

// NewKeithley wraps an already open link. Initialize must be called before
// reading.
func NewKeithley(link Link, opts Options) *Keithley {
	return &Keithley{link: link, settle: opts.settle(), commandDelay: opts.commandDelay(), timeout: ResponseTimeout}
}

func (k *Keithley) Initialize() error {
	for _, cmd := range initSequence {
		if err := k.write(cmd); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInitializationFailed, cmd, err)
		}
		time.Sleep(k.commandDelay)
	}
	return nil
}

// ReadChannel routes ch to the meter and returns one DC voltage reading.
// All relays are opened before closing ch; switching a single channel
// directly makes the card chatter.
func (k *Keithley) ReadChannel(ch int) (float64, error) {
	if ch < 1 || ch > Channels {
		return 0, fmt.Errorf("%w: channel %d out of range", ErrRead, ch)
	}
	for _, cmd := range []string{cmdServiceRequest, cmdSenseVolts, cmdOpenAll, fmt.Sprintf(cmdCloseChannel, ch)} {
		if err := k.write(cmd); err != nil {
			return 0, err
		}
	}
	time.Sleep(k.settle)
	resp, err := k.query(queryRead)
	if err != nil {
		return 0, fmt.Errorf("channel %d: %w", ch, err)
	}
	v, err := parseReading(resp)
	if err != nil {
		return 0, fmt.Errorf("channel %d: %w", ch, err)
	}
	return v, nil
}

// Close opens all relays and releases the link. Only the first call has an
// effect.
func (k *Keithley) Close() error {
	k.closeOnce.Do(func() {
		openErr := k.write(cmdOpenAll)
		k.closeErr = errors.Join(openErr, k.link.Close())
	})
	return k.closeErr
}

func (k *Keithley) write(cmd string) error {
	if _, err := k.link.Write([]byte(cmd + string(Terminator))); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrLinkFatal, cmd, err)
	}
	return nil
}

func (k *Keithley) query(cmd string) (string, error) {
	k.pending = k.pending[:0]
	if r, ok := k.link.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return "", fmt.Errorf("%w: reset input: %v", ErrLinkFatal, err)
		}
	}
	if err := k.write(cmd); err != nil {
		return "", err
	}
	return k.readLine()
}

// readLine returns the next terminated line. The whole response must
// arrive within k.timeout; a stream of bytes without a terminator is a
// failed reading, not a hang.
func (k *Keithley) readLine() (string, error) {
	deadline := time.Now().Add(k.timeout)
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(k.pending, Terminator); i >= 0 {
			line := string(k.pending[:i])
			k.pending = k.pending[i+1:]
			return line, nil
		}
		if len(k.pending) > maxResponse {
			k.pending = k.pending[:0]
			return "", fmt.Errorf("%w: response exceeds %d bytes without terminator", ErrRead, maxResponse)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			k.pending = k.pending[:0]
			return "", fmt.Errorf("%w: no complete response within %s", ErrRead, k.timeout)
		}
		if t, ok := k.link.(readTimeouter); ok {
			if err := t.SetReadTimeout(remaining); err != nil {
				return "", fmt.Errorf("%w: set read timeout: %v", ErrLinkFatal, err)
			}
		}
		n, err := k.link.Read(buf)
		k.pending = append(k.pending, buf[:n]...)
		if err != nil {
			return "", fmt.Errorf("%w: read: %v", ErrLinkFatal, err)
		}
		if n == 0 {
			k.pending = k.pending[:0]
			return "", fmt.Errorf("%w: no response within %s", ErrRead, k.timeout)
		}
	}
}

// parseReading accepts "+1.234567E-03", optionally followed by unit letters
// or further comma separated elements.
func parseReading(s string) (float64, error) {
	v := strings.TrimSpace(s)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimRightFunc(v, unicode.IsLetter)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrParse, s)
	}
	return f, nil
}
