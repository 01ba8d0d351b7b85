package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericogr/k2000-logger/pkg/acquisition"
	"github.com/ericogr/k2000-logger/pkg/calibration"
	"github.com/ericogr/k2000-logger/pkg/config"
	"github.com/ericogr/k2000-logger/pkg/instrument"
	"github.com/ericogr/k2000-logger/pkg/output"
	"github.com/ericogr/k2000-logger/pkg/output/console"
	mqttout "github.com/ericogr/k2000-logger/pkg/output/mqtt"
	"github.com/ericogr/k2000-logger/pkg/server"
	"github.com/ericogr/k2000-logger/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	fmt.Println("starting...")

	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatal(err)
	}

	layout, err := store.ParseLayout(cfg.RecordLayout)
	if err != nil {
		log.Fatal(err)
	}
	st := store.New(cfg.DataDir, layout, cfg.SyncWrites)

	outputs, err := initOutputs(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeOutputs(outputs)

	hub := server.NewHub()
	ctrl := acquisition.New(acquisition.Options{
		Open:                newOpener(cfg),
		Store:               st,
		Factors:             factorsFromConfig(cfg),
		Pipeline:            calibration.NewPipeline(cfg.UnitScale),
		MinInterval:         cfg.MinInterval(),
		SkipUnweightedReads: cfg.SkipUnweightedReads,
		Outputs:             outputs,
		Notify:              hub.Broadcast,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.New(ctrl, hub).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("http: listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.Autostart {
		if err := ctrl.Start(runConfigFromConfig(cfg)); err != nil {
			log.Printf("autostart failed: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Println("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Printf("http: %v", err)
		}
	}

	if err := ctrl.Stop(); err != nil && !errors.Is(err, acquisition.ErrNotRunning) {
		log.Printf("stop: %v", err)
	}
	select {
	case <-ctrl.Done():
	case <-time.After(shutdownTimeout):
		log.Println("acquisition did not release the instrument in time")
	}

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// newOpener picks the instrument implementation for cfg.SensorType.
func newOpener(cfg config.Config) instrument.Opener {
	if cfg.SensorType == config.SensorSimulation {
		return instrument.OpenSimulated
	}
	opts := instrument.Options{
		Port: cfg.Serial.Port,
		VID:  cfg.Serial.VID,
		PID:  cfg.Serial.PID,
	}
	return func() (instrument.Session, error) { return instrument.Open(opts) }
}

func factorsFromConfig(cfg config.Config) [instrument.Channels]float64 {
	var f [instrument.Channels]float64
	for i, ch := range cfg.ChannelTable() {
		f[i] = ch.CalibrationFactor
	}
	return f
}

func runConfigFromConfig(cfg config.Config) acquisition.RunConfig {
	rc := acquisition.RunConfig{Interval: cfg.Interval()}
	for i, ch := range cfg.ChannelTable() {
		rc.Channels[i] = acquisition.ChannelSpec{Sink: ch.Sink, Weight: ch.ReferenceWeight}
	}
	return rc
}

func initOutputs(cfg config.Config) ([]output.Output, error) {
	var outs []output.Output
	for _, o := range cfg.Outputs {
		switch o.Type {
		case "console":
			outs = append(outs, console.NewConsole())
		case "mqtt":
			if o.MQTT == nil {
				closeOutputs(outs)
				return nil, fmt.Errorf("mqtt output requires mqtt configuration")
			}
			m, err := mqttout.NewMQTT(*o.MQTT, cfg.Channels)
			if err != nil {
				closeOutputs(outs)
				return nil, fmt.Errorf("mqtt output: %w", err)
			}
			outs = append(outs, m)
		default:
			closeOutputs(outs)
			return nil, fmt.Errorf("unknown output type: %s", o.Type)
		}
	}
	return outs, nil
}

func closeOutputs(outs []output.Output) {
	for _, o := range outs {
		if err := o.Close(); err != nil {
			log.Printf("close output: %v", err)
		}
	}
}
