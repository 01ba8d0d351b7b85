package mqtt

import (
	"testing"

	"github.com/ericogr/k2000-logger/pkg/config"
	"github.com/ericogr/k2000-logger/pkg/sample"
)

func TestFormatStateTopic(t *testing.T) {
	tests := []struct {
		base string
		ch   int
		want string
	}{
		{"", 2, "k2000/channel/2"},
		{"lab/k2000/%d/state", 3, "lab/k2000/3/state"},
		{"lab/k2000", 1, "lab/k2000"},
	}
	for _, tt := range tests {
		if got := formatStateTopic(tt.base, tt.ch); got != tt.want {
			t.Fatalf("formatStateTopic(%q, %d) = %q; want %q", tt.base, tt.ch, got, tt.want)
		}
	}
}

func TestDiscoveryPayload(t *testing.T) {
	cfg := config.MQTTConfig{ClientID: "bench", StateTopic: "k2000/%d", Unit: "mW/g"}
	p := discoveryPayload(cfg, 2)
	if p[keyName] != "Keithley 2000 bench ch2" {
		t.Fatalf("name: %v", p[keyName])
	}
	if p[keyStateTopic] != "k2000/2" || p[keyJSONAttributesTopic] != "k2000/2" {
		t.Fatalf("topics: %v", p)
	}
	if p[keyUniqueID] != "bench_2" {
		t.Fatalf("unique id: %v", p[keyUniqueID])
	}
	if p[keyUnitOfMeasurement] != "mW/g" {
		t.Fatalf("unit: %v", p[keyUnitOfMeasurement])
	}
}

func TestStatePayloadOmitsAbsentValues(t *testing.T) {
	p := statePayload(sample.Sample{Channel: 1, Sink: "a.csv", Elapsed: 0.5, Normalized: sample.Float(2)})
	if p["normalized"] != 2.0 || p["elapsed_hours"] != 0.5 {
		t.Fatalf("payload: %v", p)
	}
	if _, ok := p["raw"]; ok {
		t.Fatalf("raw should be absent: %v", p)
	}
}
