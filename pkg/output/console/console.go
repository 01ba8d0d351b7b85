package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/k2000-logger/pkg/output"
	"github.com/ericogr/k2000-logger/pkg/sample"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

func (c *ConsoleOutput) Publish(samples []sample.Sample) error {
	for _, s := range samples {
		_, err := fmt.Fprintf(c.w, "%s channel=%d elapsed_h=%.6f raw=%s calibrated=%s normalized=%s\n",
			s.Timestamp.Format(time.RFC3339), s.Channel, s.Elapsed, format(s.Raw), format(s.Calibrated), format(s.Normalized))
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

func format(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6g", *v)
}
