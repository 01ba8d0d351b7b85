package output

import "github.com/ericogr/k2000-logger/pkg/sample"

// Output mirrors the samples persisted in one scan round to an external
// consumer. Failures are reported to the caller but never stop acquisition.
type Output interface {
	Publish([]sample.Sample) error
	Close() error
}

// helper constructors are in subpackages
