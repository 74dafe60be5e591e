package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/pdr_locator/internal/positioning"
)

// Sample sources.
const (
	SourceMock   = "mock"
	SourceCSV    = "csv"
	SourceMQTT   = "mqtt"
	SourceSerial = "serial"
)

// Velocity estimators.
const (
	EstimatorStep     = "step"
	EstimatorRemote   = "remote"
	EstimatorConstant = "constant"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string
	MQTTClientIDLocator  string
	MQTTClientIDProducer string
	MQTTClientIDConsole  string
	MQTTClientIDWeb      string

	// Topics
	TopicIMU      string // samples in
	TopicPosition string // results out

	// Locator
	Algorithm           string
	WindowSize          int
	SlideStep           int
	NearStaticThreshold float64
	ResetHalfWindow     int
	StopTimeoutMS       int

	// Sample source
	SampleSource     string // mock, csv, mqtt, serial
	SampleIntervalMS int
	CSVReplayPath    string
	CSVRealtime      bool
	SerialPort       string
	SerialBaudRate   int

	// IMU Sensor Ranges, used to scale raw MQTT payloads
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange byte
	// Gyroscope: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s
	IMUGyroRange byte

	// Raw capture; empty disables it
	RecordPath string

	// Velocity estimator
	Estimator          string // step, remote, constant
	EstimatorURL       string
	EstimatorTimeoutMS int
	StepLengthM        float64
	ConstantVX         float64
	ConstantVY         float64

	// Console / Web
	ConsoleLogInterval int // milliseconds
	WebServerPort      int
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through Get, so nothing outside this
//     package can swap it without the lock.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: write lock for initialization, read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		MQTTClientIDLocator:  "pdr-locator",
		MQTTClientIDProducer: "pdr-producer",
		MQTTClientIDConsole:  "pdr-console",
		MQTTClientIDWeb:      "pdr-web",
		TopicIMU:             "pdr/imu",
		TopicPosition:        "pdr/position",
		Algorithm:            "pdr-oriented",
		WindowSize:           50,
		SlideStep:            10,
		NearStaticThreshold:  positioning.DefaultNearStaticThreshold,
		ResetHalfWindow:      positioning.DefaultResetHalfWindow,
		StopTimeoutMS:        2000,
		SampleSource:         SourceMock,
		SampleIntervalMS:     20,
		SerialBaudRate:       115200,
		Estimator:            EstimatorStep,
		EstimatorTimeoutMS:   2000,
		StepLengthM:          0.7,
		ConsoleLogInterval:   1000,
		WebServerPort:        8080,
	}
}

// Load reads the configuration file and returns a Config struct. Files
// ending in .yaml or .yml hold a flat mapping of the same keys; anything
// else is read as KEY=VALUE lines.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = cfg.parseYAML(data)
	default:
		err = cfg.parseKeyValue(data)
	}
	if err != nil {
		return nil, err
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) parseKeyValue(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := c.setValue(key, value); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func (c *Config) parseYAML(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("yaml config line %d: top level must be a mapping", root.Line)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("yaml config line %d: %s must be a scalar", value.Line, key.Value)
		}
		if err := c.setValue(key.Value, value.Value); err != nil {
			return fmt.Errorf("yaml config line %d: %w", key.Line, err)
		}
	}
	return nil
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_LOCATOR":
		c.MQTTClientIDLocator = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value

	// Topics
	case "TOPIC_IMU":
		c.TopicIMU = value
	case "TOPIC_POSITION":
		c.TopicPosition = value

	// Locator
	case "ALGORITHM":
		c.Algorithm = value
	case "WINDOW_SIZE":
		c.WindowSize, err = parseInt(key, value)
	case "SLIDE_STEP":
		c.SlideStep, err = parseInt(key, value)
	case "NEAR_STATIC_THRESHOLD":
		c.NearStaticThreshold, err = parseFloat(key, value)
	case "RESET_HALF_WINDOW":
		c.ResetHalfWindow, err = parseInt(key, value)
	case "STOP_TIMEOUT_MS":
		c.StopTimeoutMS, err = parseInt(key, value)

	// Sample source
	case "SAMPLE_SOURCE":
		c.SampleSource = strings.ToLower(value)
	case "SAMPLE_INTERVAL_MS":
		c.SampleIntervalMS, err = parseInt(key, value)
	case "CSV_REPLAY_PATH":
		c.CSVReplayPath = value
	case "CSV_REALTIME":
		c.CSVRealtime, err = strconv.ParseBool(value)
		if err != nil {
			err = fmt.Errorf("invalid CSV_REALTIME %q: %w", value, err)
		}
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		c.SerialBaudRate, err = parseInt(key, value)

	// IMU Sensor Ranges
	case "IMU_ACCEL_RANGE":
		rangeVal, perr := parseInt(key, value)
		if perr != nil {
			return perr
		}
		if rangeVal < 0 || rangeVal > 3 {
			return fmt.Errorf("IMU_ACCEL_RANGE must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", rangeVal)
		}
		c.IMUAccelRange = byte(rangeVal)
	case "IMU_GYRO_RANGE":
		rangeVal, perr := parseInt(key, value)
		if perr != nil {
			return perr
		}
		if rangeVal < 0 || rangeVal > 3 {
			return fmt.Errorf("IMU_GYRO_RANGE must be 0-3 (0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s), got %d", rangeVal)
		}
		c.IMUGyroRange = byte(rangeVal)

	case "RECORD_PATH":
		c.RecordPath = value

	// Velocity estimator
	case "ESTIMATOR":
		c.Estimator = strings.ToLower(value)
	case "ESTIMATOR_URL":
		c.EstimatorURL = value
	case "ESTIMATOR_TIMEOUT_MS":
		c.EstimatorTimeoutMS, err = parseInt(key, value)
	case "STEP_LENGTH_M":
		c.StepLengthM, err = parseFloat(key, value)
	case "CONSTANT_VX":
		c.ConstantVX, err = parseFloat(key, value)
	case "CONSTANT_VY":
		c.ConstantVY, err = parseFloat(key, value)

	// Console / Web
	case "CONSOLE_LOG_INTERVAL":
		c.ConsoleLogInterval, err = parseInt(key, value)
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks that the values are consistent with each other.
func (c *Config) validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("WINDOW_SIZE must be positive, got %d", c.WindowSize)
	}
	if c.SlideStep <= 0 || c.SlideStep > c.WindowSize {
		return fmt.Errorf("SLIDE_STEP must be in 1..WINDOW_SIZE (%d), got %d", c.WindowSize, c.SlideStep)
	}
	if _, err := positioning.ParseKind(c.Algorithm); err != nil {
		return fmt.Errorf("ALGORITHM: %w", err)
	}
	if c.NearStaticThreshold < 0 {
		return fmt.Errorf("NEAR_STATIC_THRESHOLD must not be negative")
	}
	if c.ResetHalfWindow <= 0 {
		return fmt.Errorf("RESET_HALF_WINDOW must be positive")
	}
	if c.SampleIntervalMS <= 0 {
		return fmt.Errorf("SAMPLE_INTERVAL_MS must be positive")
	}

	switch c.SampleSource {
	case SourceMock:
	case SourceCSV:
		if c.CSVReplayPath == "" {
			return fmt.Errorf("CSV_REPLAY_PATH is required for SAMPLE_SOURCE=csv")
		}
	case SourceMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required for SAMPLE_SOURCE=mqtt")
		}
		if c.TopicIMU == "" {
			return fmt.Errorf("TOPIC_IMU is required for SAMPLE_SOURCE=mqtt")
		}
	case SourceSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("SERIAL_PORT is required for SAMPLE_SOURCE=serial")
		}
		if c.SerialBaudRate <= 0 {
			return fmt.Errorf("SERIAL_BAUD_RATE must be positive")
		}
	default:
		return fmt.Errorf("unknown SAMPLE_SOURCE %q", c.SampleSource)
	}

	switch c.Estimator {
	case EstimatorStep:
		if c.StepLengthM <= 0 {
			return fmt.Errorf("STEP_LENGTH_M must be positive")
		}
	case EstimatorRemote:
		if c.EstimatorURL == "" {
			return fmt.Errorf("ESTIMATOR_URL is required for ESTIMATOR=remote")
		}
	case EstimatorConstant:
	default:
		return fmt.Errorf("unknown ESTIMATOR %q", c.Estimator)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
// This is the only function that can set globalConfig.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
