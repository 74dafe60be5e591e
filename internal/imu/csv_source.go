package imu

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// DefaultMaxBacklog is the consumer backlog above which a non-realtime
// replay pauses.
const DefaultMaxBacklog = 64

// CSVSource replays samples recorded by Recorder (or the phone app's
// sensor_data.csv). With Realtime set, rows are paced by their timestamp
// deltas. Otherwise rows are pushed as fast as possible, pausing while
// Backlog (when set) reports more than MaxBacklog queued items.
type CSVSource struct {
	Path     string
	Realtime bool

	Backlog    func() int
	MaxBacklog int

	mu       sync.Mutex
	done     chan struct{}
	finished chan struct{}
}

// NewCSVSource creates a replay source for path.
func NewCSVSource(path string, realtime bool) *CSVSource {
	return &CSVSource{Path: path, Realtime: realtime}
}

func (c *CSVSource) Start(sensors []SensorType, push func(Sample)) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return fmt.Errorf("csv source: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		f.Close()
		return errors.New("csv source: already started")
	}
	c.done = make(chan struct{})
	c.finished = make(chan struct{})

	go c.replay(f, sensors, push, c.done, c.finished)
	return nil
}

func (c *CSVSource) replay(f *os.File, sensors []SensorType, push func(Sample), done, finished chan struct{}) {
	defer close(finished)
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var prev int64
	row := 0
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			log.Printf("csv source: replay of %s complete (%d rows)", c.Path, row)
			return
		}
		if err != nil {
			log.Printf("csv source: read error: %v", err)
			return
		}
		row++

		s, err := ParseFields(fields)
		if err != nil {
			// header or a partial last line
			if row > 1 {
				log.Printf("csv source: row %d skipped: %v", row, err)
			}
			continue
		}

		if c.Realtime && prev != 0 && s.Timestamp > prev {
			select {
			case <-done:
				return
			case <-time.After(time.Duration(s.Timestamp-prev) * time.Millisecond):
			}
		}
		prev = s.Timestamp

		if !c.Realtime && !c.waitBacklog(done) {
			return
		}

		select {
		case <-done:
			return
		default:
		}
		push(s.Masked(sensors))
	}
}

// waitBacklog blocks while the consumer is behind. It reports false when
// the replay was stopped meanwhile.
func (c *CSVSource) waitBacklog(done chan struct{}) bool {
	if c.Backlog == nil {
		return true
	}
	limit := c.MaxBacklog
	if limit <= 0 {
		limit = DefaultMaxBacklog
	}
	for c.Backlog() > limit {
		select {
		case <-done:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return true
}

// Finished is closed when the replay reaches the end of the file or is
// stopped. It is nil before Start.
func (c *CSVSource) Finished() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *CSVSource) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return nil
	}
	close(c.done)
	<-c.finished
	c.done = nil
	return nil
}
