package main

import (
	"testing"
	"time"

	"github.com/ericogr/k2000-logger/pkg/config"
	"github.com/ericogr/k2000-logger/pkg/instrument"
)

func TestRunConfigFromConfig(t *testing.T) {
	w := 10.0
	cfg := config.Config{
		IntervalSeconds: 30,
		Channels: []config.ChannelConfig{
			{Channel: 3, Sink: "c.csv", ReferenceWeight: &w, CalibrationFactor: 2},
			{Channel: 1, Sink: "a.csv"},
		},
	}
	rc := runConfigFromConfig(cfg)
	if rc.Interval != 30*time.Second {
		t.Fatalf("interval: got %s want 30s", rc.Interval)
	}
	if rc.Channels[0].Sink != "a.csv" || rc.Channels[0].Weight != nil {
		t.Fatalf("channel 1: %+v", rc.Channels[0])
	}
	if rc.Channels[1].Sink != "" {
		t.Fatalf("channel 2 should be empty, got %+v", rc.Channels[1])
	}
	if rc.Channels[2].Sink != "c.csv" || rc.Channels[2].Weight == nil || *rc.Channels[2].Weight != 10 {
		t.Fatalf("channel 3: %+v", rc.Channels[2])
	}

	f := factorsFromConfig(cfg)
	if f != [instrument.Channels]float64{0, 1, 2} {
		t.Fatalf("factors: %v", f)
	}
}

func TestInitOutputs(t *testing.T) {
	cfg := config.Config{Outputs: []config.OutputConfig{{Type: "console"}}}
	outs, err := initOutputs(cfg)
	if err != nil {
		t.Fatalf("initOutputs: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("outputs len: %d", len(outs))
	}

	cfg.Outputs = append(cfg.Outputs, config.OutputConfig{Type: "carrier-pigeon"})
	if _, err := initOutputs(cfg); err == nil {
		t.Fatalf("expected error for unknown output type")
	}

	cfg.Outputs = []config.OutputConfig{{Type: "mqtt"}}
	if _, err := initOutputs(cfg); err == nil {
		t.Fatalf("expected error for mqtt output without settings")
	}
}

func TestNewOpenerSimulation(t *testing.T) {
	open := newOpener(config.Config{SensorType: config.SensorSimulation})
	sess, err := open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	if _, err := sess.ReadChannel(1); err != nil {
		t.Fatalf("read: %v", err)
	}
}
