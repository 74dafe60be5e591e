package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/pdr_locator/internal/config"
	"github.com/relabs-tech/pdr_locator/internal/imu"
	"github.com/relabs-tech/pdr_locator/internal/orientation"
	"github.com/relabs-tech/pdr_locator/internal/pipeline"
)

// formatSample prints a sample with the accelerometer tilt alongside it.
func formatSample(s imu.Sample) string {
	tilt := orientation.ComputePoseFromAccel(s.Accel[0], s.Accel[1], s.Accel[2])
	return fmt.Sprintf(
		"[IMU] t=%d  ax=%7.3f ay=%7.3f az=%7.3f  gx=%7.3f gy=%7.3f gz=%7.3f  mx=%7.2f my=%7.2f mz=%7.2f  tilt ROLL=%6.2f PITCH=%6.2f",
		s.Timestamp,
		s.Accel[0], s.Accel[1], s.Accel[2],
		s.Gyro[0], s.Gyro[1], s.Gyro[2],
		s.Mag[0], s.Mag[1], s.Mag[2],
		tilt.Roll, tilt.Pitch,
	)
}

func RunConsoleMQTT() error {
	cfg := config.Get()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	// Subscribe to positions
	posToken := client.Subscribe(cfg.TopicPosition, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r pipeline.Result
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Printf("console: position unmarshal error: %v", err)
			return
		}
		fmt.Println(formatResult(r))
	})
	posToken.Wait()
	if posToken.Error() != nil {
		return posToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicPosition)

	// Subscribe to samples, printed at most once per CONSOLE_LOG_INTERVAL
	interval := time.Duration(cfg.ConsoleLogInterval) * time.Millisecond
	var lastIMU time.Time
	imuToken := client.Subscribe(cfg.TopicIMU, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if time.Since(lastIMU) < interval {
			return
		}
		lastIMU = time.Now()

		s, err := imu.DecodePayload(msg.Payload(), time.Now().UnixMilli(), imu.RawScaleForRanges(cfg.IMUAccelRange, cfg.IMUGyroRange))
		if err != nil {
			log.Printf("console: imu unmarshal error: %v", err)
			return
		}
		fmt.Println(formatSample(s))
	})
	imuToken.Wait()
	if imuToken.Error() != nil {
		return imuToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicIMU)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
