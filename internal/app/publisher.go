package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/pdr_locator/internal/pipeline"
)

// ResultSink consumes locator results.
type ResultSink interface {
	Publish(r pipeline.Result) error
}

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes each result as retained JSON, so late
// subscribers see the latest position at once.
type MQTTPublisher struct {
	client  mqttClient
	topic   string
	timeout time.Duration
}

func NewMQTTPublisher(client mqttClient, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, timeout: 2 * time.Second}
}

func (p *MQTTPublisher) Publish(r pipeline.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("json marshal error (position): %w", err)
	}
	token := p.client.Publish(p.topic, 0, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("MQTT publish timeout (%s)", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT publish error (%s): %w", p.topic, err)
	}
	return nil
}

// logSink logs at most one result per interval.
type logSink struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func newLogSink(interval time.Duration) *logSink {
	return &logSink{interval: interval, now: time.Now}
}

func (s *logSink) Publish(r pipeline.Result) error {
	s.mu.Lock()
	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		s.mu.Unlock()
		return nil
	}
	s.last = now
	s.mu.Unlock()

	log.Printf("locator: %s", formatResult(r))
	return nil
}

func formatResult(r pipeline.Result) string {
	return fmt.Sprintf("[POS #%d] x=%8.3f y=%8.3f  ROLL=%6.2f PITCH=%6.2f YAW=%7.2f  (%s)",
		r.Seq, r.Position.X, r.Position.Y, r.Pose.Roll, r.Pose.Pitch, r.Pose.Yaw, r.Algorithm)
}

// Forward hands every result to every sink until ctx is done, then
// empties the channel of what is already buffered. A failing sink is
// logged and skipped for that result.
func Forward(ctx context.Context, results <-chan pipeline.Result, sinks ...ResultSink) {
	for {
		select {
		case <-ctx.Done():
			// results left in the channel still go out
			for {
				select {
				case r := <-results:
					publishAll(r, sinks)
				default:
					return
				}
			}
		case r := <-results:
			publishAll(r, sinks)
		}
	}
}

func publishAll(r pipeline.Result, sinks []ResultSink) {
	for _, s := range sinks {
		if err := s.Publish(r); err != nil {
			log.Printf("locator: publish: %v", err)
		}
	}
}
