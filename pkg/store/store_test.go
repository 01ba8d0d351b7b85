package store

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ericogr/k2000-logger/pkg/sample"
)

func TestAppendQueryRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp(t.TempDir(), "rt")
		require.NoError(rt, err)
		layout := Layout(rapid.IntRange(0, 1).Draw(rt, "layout"))
		s := New(dir, layout, false)

		w, err := s.OpenWriter("a.csv")
		require.NoError(rt, err)
		defer w.Close()

		n := rapid.IntRange(0, 50).Draw(rt, "n")
		want := make([]sample.Point, 0, n)
		elapsed := 0.0
		for i := 0; i < n; i++ {
			elapsed += rapid.Float64Range(0, 1).Draw(rt, "step")
			v := rapid.Float64Range(-1e6, 1e6).Draw(rt, "value")
			ok, err := w.Append(sample.Sample{Elapsed: elapsed, Raw: sample.Float(v), Calibrated: sample.Float(v), Normalized: sample.Float(v)})
			require.NoError(rt, err)
			require.True(rt, ok)
			rounded, _ := strconv.ParseFloat(strconv.FormatFloat(elapsed, 'f', 6, 64), 64)
			want = append(want, sample.Point{Elapsed: rounded, Normalized: v})
		}

		got, err := s.Series("a.csv")
		require.NoError(rt, err)
		require.Equal(rt, want, got)
		for i := 1; i < len(got); i++ {
			if got[i].Elapsed < got[i-1].Elapsed {
				rt.Fatalf("elapsed decreased at %d: %v < %v", i, got[i].Elapsed, got[i-1].Elapsed)
			}
		}
	})
}

func TestAppendSkipsAbsentNormalized(t *testing.T) {
	s := New(t.TempDir(), LayoutMinimal, true)
	w, err := s.OpenWriter("b.csv")
	require.NoError(t, err)
	defer w.Close()

	ok, err := w.Append(sample.Sample{Elapsed: 0.1, Raw: sample.Float(1), Calibrated: sample.Float(2)})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Series("b.csv")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueryMissingSinkIsEmpty(t *testing.T) {
	s := New(t.TempDir(), LayoutMinimal, false)
	got, err := s.Series("never-written.csv")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQuerySkipsTornAndMalformedLines(t *testing.T) {
	dir := t.TempDir()
	content := "0.000000,1.5\n" +
		"garbage\n" +
		"0.100000,2.5\n" +
		"0.200000,3" // append in progress
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.csv"), []byte(content), 0o644))

	got, err := New(dir, LayoutMinimal, false).Series("c.csv")
	require.NoError(t, err)
	require.Equal(t, []sample.Point{{Elapsed: 0, Normalized: 1.5}, {Elapsed: 0.1, Normalized: 2.5}}, got)
}

func TestQuerySelectsNormalizedByPosition(t *testing.T) {
	dir := t.TempDir()
	content := "0.000000,0.001,0.5,0.05\n0.010000,,,\n0.020000,0.002,1,0.1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.csv"), []byte(content), 0o644))

	got, err := New(dir, LayoutAudit, false).Series("d.csv")
	require.NoError(t, err)
	require.Equal(t, []sample.Point{{Elapsed: 0, Normalized: 0.05}, {Elapsed: 0.02, Normalized: 0.1}}, got)

	// the same file read with the wrong layout yields nothing rather than
	// guessing columns
	got, err = New(dir, LayoutMinimal, false).Series("d.csv")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFormatRecord(t *testing.T) {
	smp := sample.Sample{Elapsed: 1.0 / 3, Raw: sample.Float(0.001), Calibrated: sample.Float(0.5), Normalized: sample.Float(0.05)}
	require.Equal(t, "0.333333,0.05\n", FormatRecord(LayoutMinimal, smp))
	require.Equal(t, "0.333333,0.001,0.5,0.05\n", FormatRecord(LayoutAudit, smp))
}

func TestWriterResumesTimeAxis(t *testing.T) {
	s := New(t.TempDir(), LayoutMinimal, false)
	w, err := s.OpenWriter("e.csv")
	require.NoError(t, err)
	require.Zero(t, w.Offset())
	_, err = w.Append(sample.Sample{Elapsed: 0.5, Normalized: sample.Float(1)})
	require.NoError(t, err)
	_, err = w.Append(sample.Sample{Elapsed: 0.4, Normalized: sample.Float(1)})
	require.ErrorIs(t, err, ErrOutOfOrder)
	require.NoError(t, w.Close())

	w, err = s.OpenWriter("e.csv")
	require.NoError(t, err)
	defer w.Close()
	require.Equal(t, 0.5, w.Offset())
	_, err = w.Append(sample.Sample{Elapsed: 0.1, Normalized: sample.Float(1)})
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestOpenWriterRefusesOtherLayout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.csv"), []byte("0.500000,0.001,0.5,0.05\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "minimal.csv"), []byte("0.500000,0.05\n"), 0o644))

	_, err := New(dir, LayoutMinimal, false).OpenWriter("audit.csv")
	require.ErrorIs(t, err, ErrLayoutMismatch)
	_, err = New(dir, LayoutAudit, false).OpenWriter("minimal.csv")
	require.ErrorIs(t, err, ErrLayoutMismatch)

	b, err := os.ReadFile(filepath.Join(dir, "audit.csv"))
	require.NoError(t, err)
	require.Equal(t, "0.500000,0.001,0.5,0.05\n", string(b), "refused sink must be left untouched")

	w, err := New(dir, LayoutAudit, false).OpenWriter("audit.csv")
	require.NoError(t, err)
	require.Equal(t, 0.5, w.Offset())
	require.NoError(t, w.Close())
}

func TestOpenWriterTerminatesTornLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.csv"), []byte("0.100000,1\n0.200000,"), 0o644))

	s := New(dir, LayoutMinimal, false)
	w, err := s.OpenWriter("f.csv")
	require.NoError(t, err)
	require.Equal(t, 0.1, w.Offset())
	_, err = w.Append(sample.Sample{Elapsed: 0.3, Normalized: sample.Float(3)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := s.Series("f.csv")
	require.NoError(t, err)
	require.Equal(t, []sample.Point{{Elapsed: 0.1, Normalized: 1}, {Elapsed: 0.3, Normalized: 3}}, got)
}

func TestInvalidSink(t *testing.T) {
	s := New(t.TempDir(), LayoutMinimal, false)
	for _, sink := range []string{"", "../escape.csv", "/etc/passwd"} {
		_, err := s.OpenWriter(sink)
		require.ErrorIs(t, err, ErrInvalidSink, sink)
		_, err = s.Series(sink)
		require.ErrorIs(t, err, ErrInvalidSink, sink)
	}
}

func TestQueryWhileAppending(t *testing.T) {
	s := New(t.TempDir(), LayoutAudit, false)
	w, err := s.OpenWriter("f.csv")
	require.NoError(t, err)
	defer w.Close()

	const n = 500
	var wg sync.WaitGroup
	finished := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(finished)
		for i := 0; i < n; i++ {
			_, err := w.Append(sample.Sample{Elapsed: float64(i), Raw: sample.Float(1), Calibrated: sample.Float(2), Normalized: sample.Float(float64(i))})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
	}()

	for {
		got, err := s.Series("f.csv")
		require.NoError(t, err)
		for i, p := range got {
			require.Equal(t, float64(i), p.Normalized)
		}
		if len(got) == n {
			break
		}
		select {
		case <-finished:
			got, err = s.Series("f.csv")
			require.NoError(t, err)
			require.Len(t, got, n)
		default:
			continue
		}
		break
	}
	wg.Wait()
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("AUDIT")
	require.NoError(t, err)
	require.Equal(t, LayoutAudit, l)
	l, err = ParseLayout("")
	require.NoError(t, err)
	require.Equal(t, LayoutMinimal, l)
	_, err = ParseLayout("json")
	require.Error(t, err)
}
