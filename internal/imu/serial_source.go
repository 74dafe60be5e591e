package imu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// SerialSource reads CSV sample lines (the Recorder row layout) from a
// serial-attached IMU.
type SerialSource struct {
	PortName string
	BaudRate uint

	mu       sync.Mutex
	port     io.ReadWriteCloser
	finished chan struct{}
}

// NewSerialSource creates a source for portName, e.g. /dev/ttyUSB0.
func NewSerialSource(portName string, baud uint) *SerialSource {
	return &SerialSource{PortName: portName, BaudRate: baud}
}

func (s *SerialSource) Start(sensors []SensorType, push func(Sample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return errors.New("serial source: already started")
	}

	opts := serial.OpenOptions{
		PortName:              s.PortName,
		BaudRate:              s.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return fmt.Errorf("serial source: open %s: %w", s.PortName, err)
	}
	log.Printf("serial source: %s opened at %d baud", s.PortName, s.BaudRate)

	s.port = port
	s.finished = make(chan struct{})
	go s.read(port, sensors, push, s.finished)
	return nil
}

func (s *SerialSource) read(port io.Reader, sensors []SensorType, push func(Sample), finished chan struct{}) {
	defer close(finished)
	reader := bufio.NewReader(port)
	var last int64
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// closing the port in Stop lands here too
			if !errors.Is(err, io.EOF) {
				log.Printf("serial source: read error: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "timestamp") {
			continue
		}
		sample, err := ParseLine(line)
		if err != nil {
			// partial lines are common right after opening the port
			continue
		}
		if sample.Timestamp < last {
			log.Printf("serial source: dropping out-of-order sample %d < %d", sample.Timestamp, last)
			continue
		}
		last = sample.Timestamp
		push(sample.Masked(sensors))
	}
}

func (s *SerialSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	select {
	case <-s.finished:
	case <-time.After(2 * time.Second):
		log.Printf("serial source: reader did not exit after close")
	}
	s.port = nil
	return err
}
