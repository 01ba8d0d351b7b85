// Package store persists per-channel time series as append-only CSV files,
// one file per sink.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ericogr/k2000-logger/pkg/sample"
)

// Layout fixes the column order of a sink file.
type Layout int

const (
	// LayoutMinimal is "elapsed_hours,normalized".
	LayoutMinimal Layout = iota
	// LayoutAudit is "elapsed_hours,raw,calibrated,normalized".
	LayoutAudit
)

var (
	ErrInvalidSink = errors.New("invalid sink")
	ErrOutOfOrder  = errors.New("elapsed time went backwards")
	// ErrLayoutMismatch is returned when opening a sink that holds records
	// of the other layout.
	ErrLayoutMismatch = errors.New("sink written with a different record layout")
)

func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "minimal":
		return LayoutMinimal, nil
	case "audit":
		return LayoutAudit, nil
	}
	return 0, fmt.Errorf("unknown record layout %q", s)
}

func (l Layout) String() string {
	if l == LayoutAudit {
		return "audit"
	}
	return "minimal"
}

func (l Layout) fields() int {
	if l == LayoutAudit {
		return 4
	}
	return 2
}

func (l Layout) other() Layout {
	if l == LayoutAudit {
		return LayoutMinimal
	}
	return LayoutAudit
}

func (l Layout) normalizedField() int { return l.fields() - 1 }

type Store struct {
	dir        string
	layout     Layout
	syncWrites bool
}

// New returns a store rooted at dir. With syncWrites every append is
// fsynced before Append returns.
func New(dir string, layout Layout, syncWrites bool) *Store {
	return &Store{dir: dir, layout: layout, syncWrites: syncWrites}
}

func (s *Store) Layout() Layout { return s.layout }

// Path resolves a sink identifier to its file. Sinks must stay inside the
// store directory.
func (s *Store) Path(sink string) (string, error) {
	if sink == "" || !filepath.IsLocal(sink) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSink, sink)
	}
	return filepath.Join(s.dir, sink), nil
}

// OpenWriter opens sink for appending, creating it if needed. The writer
// resumes the time axis after the last record already in the file. A sink
// holding records of the other layout is refused; an unterminated last line
// is closed off so new records start on a line of their own.
func (s *Store) OpenWriter(sink string) (*Writer, error) {
	path, err := s.Path(sink)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	offset, torn, err := s.scan(path, sink)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", sink, err)
	}
	if torn {
		if _, err := f.WriteString("\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("terminate sink %s: %w", sink, err)
		}
	}
	return &Writer{f: f, sink: sink, layout: s.layout, sync: s.syncWrites, offset: offset, last: offset}, nil
}

// scan returns the elapsed time of the last record in path and whether the
// file ends without a newline.
func (s *Store) scan(path, sink string) (float64, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("open sink %s: %w", sink, err)
	}
	defer f.Close()

	offset := 0.0
	first := true
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return offset, line != "", nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("read sink %s: %w", sink, err)
		}
		p, ok := parseRecord(s.layout, line)
		if ok {
			offset = p.Elapsed
		} else if first {
			// the first line decides; later ones may be terminated tears
			if _, other := parseRecord(s.layout.other(), line); other {
				return 0, false, fmt.Errorf("%w: %s is not %s", ErrLayoutMismatch, sink, s.layout)
			}
		}
		first = false
	}
}

// Query streams the records currently persisted in sink. Each iteration
// re-reads the file. A missing sink is an empty series; a trailing line
// without newline is an append in progress and is skipped, as is any
// malformed line.
func (s *Store) Query(sink string) iter.Seq2[sample.Point, error] {
	return func(yield func(sample.Point, error) bool) {
		path, err := s.Path(sink)
		if err != nil {
			yield(sample.Point{}, err)
			return
		}
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(sample.Point{}, fmt.Errorf("open sink %s: %w", sink, err))
			return
		}
		defer f.Close()

		r := bufio.NewReader(f)
		for {
			line, err := r.ReadString('\n')
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(sample.Point{}, fmt.Errorf("read sink %s: %w", sink, err))
				return
			}
			p, ok := parseRecord(s.layout, line)
			if !ok {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Series collects Query into a slice.
func (s *Store) Series(sink string) ([]sample.Point, error) {
	out := make([]sample.Point, 0)
	for p, err := range s.Query(sink) {
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Writer appends records to one sink. It is owned by a single goroutine.
type Writer struct {
	f      *os.File
	sink   string
	layout Layout
	sync   bool
	offset float64
	last   float64
}

// Offset is the elapsed time, in hours, of the last record present when the
// writer was opened.
func (w *Writer) Offset() float64 { return w.offset }

func (w *Writer) Sink() string { return w.sink }

// Append writes smp as one line. Samples without a normalized value are
// dropped and reported as not written.
func (w *Writer) Append(smp sample.Sample) (bool, error) {
	if smp.Normalized == nil {
		return false, nil
	}
	if smp.Elapsed < w.last {
		return false, fmt.Errorf("%w: %s: %f < %f", ErrOutOfOrder, w.sink, smp.Elapsed, w.last)
	}
	// a single write per record keeps concurrent readers on whole lines
	if _, err := w.f.WriteString(FormatRecord(w.layout, smp)); err != nil {
		return false, fmt.Errorf("append %s: %w", w.sink, err)
	}
	if w.sync {
		if err := w.f.Sync(); err != nil {
			return false, fmt.Errorf("sync %s: %w", w.sink, err)
		}
	}
	w.last = smp.Elapsed
	return true, nil
}

func (w *Writer) Close() error { return w.f.Close() }

// FormatRecord renders smp, newline included. Absent raw or calibrated
// values in the audit layout are written as empty fields.
func FormatRecord(layout Layout, smp sample.Sample) string {
	var b strings.Builder
	b.WriteString(strconv.FormatFloat(smp.Elapsed, 'f', 6, 64))
	if layout == LayoutAudit {
		b.WriteByte(',')
		b.WriteString(formatOptional(smp.Raw))
		b.WriteByte(',')
		b.WriteString(formatOptional(smp.Calibrated))
	}
	b.WriteByte(',')
	b.WriteString(formatOptional(smp.Normalized))
	b.WriteByte('\n')
	return b.String()
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func parseRecord(layout Layout, line string) (sample.Point, bool) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != layout.fields() {
		return sample.Point{}, false
	}
	elapsed, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return sample.Point{}, false
	}
	norm, err := strconv.ParseFloat(strings.TrimSpace(fields[layout.normalizedField()]), 64)
	if err != nil {
		return sample.Point{}, false
	}
	return sample.Point{Elapsed: elapsed, Normalized: norm}, true
}
