// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/pdr_locator/internal/config"
	"github.com/relabs-tech/pdr_locator/internal/estimator"
	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/pipeline"
	"github.com/relabs-tech/pdr_locator/internal/positioning"
)

// NewSource builds the sample source selected by SAMPLE_SOURCE.
func NewSource(cfg *config.Config) (imu.Source, error) {
	switch cfg.SampleSource {
	case config.SourceMock:
		return imu.NewMockSource(time.Duration(cfg.SampleIntervalMS) * time.Millisecond), nil
	case config.SourceCSV:
		return imu.NewCSVSource(cfg.CSVReplayPath, cfg.CSVRealtime), nil
	case config.SourceMQTT:
		scale := imu.RawScaleForRanges(cfg.IMUAccelRange, cfg.IMUGyroRange)
		return imu.NewMQTTSource(cfg.MQTTBroker, cfg.MQTTClientIDLocator+"-imu", cfg.TopicIMU, scale), nil
	case config.SourceSerial:
		return imu.NewSerialSource(cfg.SerialPort, uint(cfg.SerialBaudRate)), nil
	default:
		return nil, fmt.Errorf("unknown sample source %q", cfg.SampleSource)
	}
}

// NewEstimator builds the velocity estimator selected by ESTIMATOR.
func NewEstimator(cfg *config.Config) (estimator.VelocityEstimator, error) {
	switch cfg.Estimator {
	case config.EstimatorStep:
		return estimator.NewStepEstimator(float64(cfg.SampleIntervalMS), cfg.StepLengthM), nil
	case config.EstimatorRemote:
		return estimator.NewRemote(cfg.EstimatorURL, time.Duration(cfg.EstimatorTimeoutMS)*time.Millisecond), nil
	case config.EstimatorConstant:
		return estimator.Constant{VX: cfg.ConstantVX, VY: cfg.ConstantVY}, nil
	default:
		return nil, fmt.Errorf("unknown estimator %q", cfg.Estimator)
	}
}

// LocatorOptions maps the configuration onto pipeline options. rec may be nil.
func LocatorOptions(cfg *config.Config, rec pipeline.Recorder) []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithWindow(cfg.WindowSize, cfg.SlideStep),
		pipeline.WithStopTimeout(time.Duration(cfg.StopTimeoutMS) * time.Millisecond),
		pipeline.WithAlgorithmOptions(
			positioning.WithNearStaticThreshold(cfg.NearStaticThreshold),
			positioning.WithResetHalfWindow(cfg.ResetHalfWindow),
			positioning.WithFirstSampleInterval(time.Duration(cfg.SampleIntervalMS)*time.Millisecond),
		),
	}
	if rec != nil {
		opts = append(opts, pipeline.WithRecorder(rec))
	}
	return opts
}

// waitDrained polls until every window of the current run has been
// published or skipped, or ctx is done. The source must have stopped
// pushing for this to mean the run is complete.
func waitDrained(ctx context.Context, loc *pipeline.Locator, poll time.Duration) {
	if loc.Drained() {
		return
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if loc.Drained() {
				return
			}
		}
	}
}

// RunLocator runs the locator until SIGINT/SIGTERM, or until a CSV replay
// has been fully processed.
func RunLocator() error {
	cfg := config.Get()

	src, err := NewSource(cfg)
	if err != nil {
		return err
	}
	est, err := NewEstimator(cfg)
	if err != nil {
		return err
	}

	var rec *imu.Recorder
	if cfg.RecordPath != "" {
		rec, err = imu.NewRecorder(cfg.RecordPath)
		if err != nil {
			return err
		}
		defer rec.Close()
		log.Printf("locator: recording raw samples to %s", cfg.RecordPath)
	}
	var recorder pipeline.Recorder
	if rec != nil {
		recorder = rec
	}

	loc, err := pipeline.New(src, est, LocatorOptions(cfg, recorder)...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks := []ResultSink{newLogSink(time.Duration(cfg.ConsoleLogInterval) * time.Millisecond)}

	if cfg.MQTTBroker != "" {
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.MQTTBroker).
			SetClientID(cfg.MQTTClientIDLocator).
			SetAutoReconnect(true)
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return fmt.Errorf("MQTT connect error: %w", token.Error())
		}
		defer client.Disconnect(250)
		log.Printf("locator: publishing positions to %s on %s", cfg.TopicPosition, cfg.MQTTBroker)
		sinks = append(sinks, NewMQTTPublisher(client, cfg.TopicPosition))
	}

	var srv *http.Server
	if cfg.WebServerPort > 0 {
		live := NewLiveServer(loc, "web")
		sinks = append(sinks, live)
		srv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.WebServerPort), Handler: live.Handler()}
		go func() {
			log.Printf("locator: live view on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("locator: web server: %v", err)
			}
		}()
	}

	fwdCtx, stopForward := context.WithCancel(context.Background())
	defer stopForward()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		Forward(fwdCtx, loc.Results(), sinks...)
	}()

	var finished func() <-chan struct{}
	if csvSrc, ok := src.(*imu.CSVSource); ok {
		csvSrc.Backlog = loc.Pending
		finished = csvSrc.Finished
	}

	if err := loc.Start(ctx, cfg.Algorithm); err != nil {
		return err
	}
	log.Printf("locator: running %s from %s source", cfg.Algorithm, cfg.SampleSource)

	var replayDone <-chan struct{}
	if finished != nil {
		replayDone = finished()
	}
	select {
	case <-ctx.Done():
		log.Println("locator: shutting down")
	case <-replayDone:
		log.Println("locator: replay finished, draining")
		waitDrained(ctx, loc, 50*time.Millisecond)
	}

	var stopErr error
	if loc.State() == pipeline.StateRunning {
		stopErr = loc.Stop()
	}
	// hand the results still buffered in the channel to the sinks
	stopForward()
	<-forwarded
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	st := loc.Stats()
	log.Printf("locator: %d windows, %d published, %d skipped, %d anomalies, %d samples recorded",
		st.Windows, st.Published, st.Skipped, st.Anomalies, st.Recorded)
	return stopErr
}
