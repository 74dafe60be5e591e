// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/pdr_locator/internal/config"
	"github.com/relabs-tech/pdr_locator/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// Controller is the part of the locator a live view may drive.
type Controller interface {
	Start(ctx context.Context, algorithm string) error
	Stop() error
	State() pipeline.State
}

// WSMessage is sent by the browser.
type WSMessage struct {
	Action    string `json:"action"` // start, stop, status
	Algorithm string `json:"algorithm,omitempty"`
}

// WSResponse is sent to the browser.
type WSResponse struct {
	Type    string           `json:"type"` // position, status, error
	State   string           `json:"state,omitempty"`
	Result  *pipeline.Result `json:"result,omitempty"`
	Message string           `json:"message,omitempty"`
}

// liveClient serializes writes to one websocket connection.
type liveClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *liveClient) send(resp WSResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.conn.WriteJSON(resp)
}

// LiveServer keeps the latest result, broadcasts every result to the
// connected websockets and, when a Controller is set, lets them start and
// stop runs.
type LiveServer struct {
	ctrl      Controller
	staticDir string

	mu      sync.RWMutex
	last    pipeline.Result
	have    bool
	clients map[*liveClient]struct{}
}

// NewLiveServer creates a live view. ctrl may be nil for a read-only view.
func NewLiveServer(ctrl Controller, staticDir string) *LiveServer {
	return &LiveServer{
		ctrl:      ctrl,
		staticDir: staticDir,
		clients:   make(map[*liveClient]struct{}),
	}
}

// Handler routes /api/position, /ws and the static files.
func (s *LiveServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/position", s.handlePosition)
	mux.HandleFunc("/ws", s.handleWS)
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
	return mux
}

// Publish records r as the latest result and pushes it to every client.
func (s *LiveServer) Publish(r pipeline.Result) error {
	s.mu.Lock()
	s.last = r
	s.have = true
	clients := make([]*liveClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	resp := WSResponse{Type: "position", Result: &r}
	for _, c := range clients {
		if err := c.send(resp); err != nil {
			log.Printf("web: dropping client: %v", err)
			s.drop(c)
		}
	}
	return nil
}

// Latest returns the last published result.
func (s *LiveServer) Latest() (pipeline.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.have
}

// Clients is the number of connected websockets.
func (s *LiveServer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *LiveServer) drop(c *liveClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (s *LiveServer) handlePosition(w http.ResponseWriter, r *http.Request) {
	last, ok := s.Latest()
	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(last); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

func (s *LiveServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	c := &liveClient{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	last, have := s.last, s.have
	s.mu.Unlock()
	defer s.drop(c)

	c.send(s.status())
	if have {
		c.send(WSResponse{Type: "position", Result: &last})
	}

	// Message loop
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: websocket error: %v", err)
			}
			return
		}
		if err := c.send(s.handleAction(r.Context(), msg)); err != nil {
			return
		}
	}
}

func (s *LiveServer) handleAction(ctx context.Context, msg WSMessage) WSResponse {
	if msg.Action == "status" {
		return s.status()
	}
	if s.ctrl == nil {
		return WSResponse{Type: "error", Message: "read-only view"}
	}

	var err error
	switch msg.Action {
	case "start":
		// the run must outlive the websocket request
		err = s.ctrl.Start(context.WithoutCancel(ctx), msg.Algorithm)
	case "stop":
		err = s.ctrl.Stop()
	default:
		err = fmt.Errorf("unknown action %q", msg.Action)
	}
	if err != nil {
		return WSResponse{Type: "error", Message: err.Error()}
	}
	return s.status()
}

func (s *LiveServer) status() WSResponse {
	if s.ctrl == nil {
		return WSResponse{Type: "status", State: "remote"}
	}
	return WSResponse{Type: "status", State: s.ctrl.State().String()}
}

// RunWeb serves a read-only live view fed by the position topic.
func RunWeb() error {
	cfg := config.Get()
	live := NewLiveServer(nil, "web")

	// 1) Connect to MQTT broker
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	// 2) Subscribe to the position topic and fan out each result
	token := client.Subscribe(cfg.TopicPosition, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r pipeline.Result
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Printf("web: MQTT payload unmarshal error: %v", err)
			return
		}
		live.Publish(r)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: subscribed to MQTT topic %s", cfg.TopicPosition)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web: server listening on %s", addr)
	return http.ListenAndServe(addr, live.Handler())
}
