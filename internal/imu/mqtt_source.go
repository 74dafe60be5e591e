// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSource subscribes to a topic carrying one JSON sample per message.
// Both the SI Sample encoding and the producer's IMURaw encoding are
// accepted; raw messages carry no time and are stamped on arrival.
type MQTTSource struct {
	Broker   string
	ClientID string
	Topic    string
	Scale    RawScale

	mu     sync.Mutex
	client mqtt.Client
	push   func(Sample)
	mask   []SensorType
	lastTS int64
}

// NewMQTTSource creates a subscriber for topic on broker.
func NewMQTTSource(broker, clientID, topic string, scale RawScale) *MQTTSource {
	return &MQTTSource{Broker: broker, ClientID: clientID, Topic: topic, Scale: scale}
}

func (m *MQTTSource) Start(sensors []SensorType, push func(Sample)) error {
	m.mu.Lock()
	if m.client != nil {
		m.mu.Unlock()
		return errors.New("mqtt source: already started")
	}
	m.push = push
	m.mask = sensors
	m.lastTS = 0
	m.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(m.Broker).
		SetClientID(m.ClientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt source: connect %s: %w", m.Broker, token.Error())
	}

	token := client.Subscribe(m.Topic, 0, m.onMessage)
	token.Wait()
	if token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqtt source: subscribe %s: %w", m.Topic, token.Error())
	}
	log.Printf("mqtt source: subscribed to %s on %s", m.Topic, m.Broker)

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

func (m *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.push == nil {
		return
	}
	s, err := DecodePayload(msg.Payload(), time.Now().UnixMilli(), m.Scale)
	if err != nil {
		log.Printf("mqtt source: payload decode error: %v", err)
		return
	}
	// keep the session monotonic even if the producer's clock steps back
	if s.Timestamp < m.lastTS {
		s.Timestamp = m.lastTS
	}
	m.lastTS = s.Timestamp
	m.push(s.Masked(m.mask))
}

func (m *MQTTSource) Stop() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.push = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	if token := client.Unsubscribe(m.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
		log.Printf("mqtt source: unsubscribe error: %v", token.Error())
	}
	client.Disconnect(250)
	return nil
}

type wireSample struct {
	T     *int64      `json:"t"`
	Accel *[3]float64 `json:"accel"`
	Gyro  *[3]float64 `json:"gyro"`
	Mag   *[3]float64 `json:"mag"`
	IMURaw
}

// DecodePayload decodes a JSON sample message. now (ms) stamps raw
// messages and SI messages without a "t" field.
func DecodePayload(payload []byte, now int64, scale RawScale) (Sample, error) {
	var w wireSample
	if err := json.Unmarshal(payload, &w); err != nil {
		return Sample{}, err
	}
	ts := now
	if w.T != nil {
		ts = *w.T
	}
	if w.Accel == nil && w.Gyro == nil {
		return w.IMURaw.ToSample(ts, scale), nil
	}
	s := Sample{Timestamp: ts}
	if w.Accel != nil {
		s.Accel = *w.Accel
	}
	if w.Gyro != nil {
		s.Gyro = *w.Gyro
	}
	if w.Mag != nil {
		s.Mag = *w.Mag
	}
	return s, nil
}
