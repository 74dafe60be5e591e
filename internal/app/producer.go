package app

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/pdr_locator/internal/config"
	"github.com/relabs-tech/pdr_locator/internal/imu"
)

// publishSamples publishes one walker sample per tick until ctx is done
// and returns how many were sent.
func publishSamples(ctx context.Context, client mqttClient, topic string, w *imu.Walker, tick <-chan time.Time) int {
	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent
		case <-tick:
		}

		payload, err := json.Marshal(w.Next())
		if err != nil {
			log.Printf("producer: json marshal error (sample): %v", err)
			continue
		}
		if token := client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
			log.Printf("producer: MQTT publish error (%s): %v", topic, token.Error())
			continue
		}
		sent++
		if sent%500 == 0 {
			log.Printf("producer: %d samples published", sent)
		}
	}
}

// RunMockProducer publishes synthetic walking samples to the IMU topic so
// a locator with SAMPLE_SOURCE=mqtt can be exercised without hardware.
func RunMockProducer() error {
	cfg := config.Get()

	// --- connect to MQTT ---
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDProducer)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("producer: connected to MQTT, publishing to %s every %d ms", cfg.TopicIMU, cfg.SampleIntervalMS)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(cfg.SampleIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w := imu.NewWalker(time.Now().UnixMilli(), int64(cfg.SampleIntervalMS))
	sent := publishSamples(ctx, client, cfg.TopicIMU, w, ticker.C)
	log.Printf("producer: shutting down after %d samples", sent)
	return nil
}
