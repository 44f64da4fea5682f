package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"datayoti/go-ingestor/internal/ingest"
	"datayoti/go-ingestor/internal/model"
	"datayoti/go-ingestor/internal/timestamp"
)

type dataPayload struct {
	DeviceID    string  `json:"device_id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

type heartbeatPayload struct {
	DeviceID  string `json:"device_id"`
	RSSI      int    `json:"rssi"`
	FreeHeap  uint64 `json:"free_heap"`
	MinHeap   uint64 `json:"min_heap"`
	Uptime    uint64 `json:"uptime"`
	NTPSync   bool   `json:"ntp_sync"`
	Timestamp string `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	user := flag.String("user", os.Getenv("MQTT_USER"), "MQTT username")
	password := flag.String("password", os.Getenv("MQTT_PASSWORD"), "MQTT password")
	deviceID := flag.String("device", "1C:69:20:E9:18:24", "Sensor MAC address")
	interval := flag.Duration("interval", 5*time.Second, "Interval between data messages")
	heartbeatEvery := flag.Int("heartbeat-every", 6, "Publish a heartbeat after this many data messages")
	baseTemp := flag.Float64("base-temp", 21.5, "Baseline temperature in degrees Celsius")
	baseHumidity := flag.Float64("base-humidity", 47, "Baseline relative humidity in percent")
	unsynced := flag.Bool("unsynced", false, "Report the firmware's unset-clock timestamp instead of the real time")
	naive := flag.Bool("naive", true, "Send timestamps without a zone suffix, as the firmware does")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	clientID := "datayoti-sensor-sim-" + uuid.NewString()
	opts := mqtt.NewClientOptions().
		AddBroker(*brokerAddr).
		SetClientID(clientID).
		SetUsername(*user).
		SetPassword(*password)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("failed to connect to broker", zap.String("broker", *brokerAddr), zap.Error(token.Error()))
	}
	logger.Info("connected to broker", zap.String("broker", *brokerAddr), zap.String("client_id", clientID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	stamp := func() string {
		if *unsynced {
			return timestamp.UnsetClock
		}
		now := time.Now().UTC()
		if *naive {
			return now.Format("2006-01-02T15:04:05")
		}
		return now.Format(time.RFC3339)
	}

	publish := func(kind model.MessageKind, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			logger.Error("failed to encode payload", zap.Error(err))
			return
		}
		topic := ingest.TopicFor(*deviceID, kind)
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("publish failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		logger.Info("published", zap.String("topic", topic), zap.ByteString("payload", data))
	}

	sent := 0
	tick := func() {
		publish(model.KindData, dataPayload{
			DeviceID:    *deviceID,
			Temperature: jitter(*baseTemp, 0.5),
			Humidity:    jitter(*baseHumidity, 2),
			Timestamp:   stamp(),
		})
		sent++

		if *heartbeatEvery > 0 && sent%*heartbeatEvery == 0 {
			publish(model.KindHeartbeat, heartbeatPayload{
				DeviceID:  *deviceID,
				RSSI:      -55 - rand.Intn(20),
				FreeHeap:  uint64(110000 + rand.Intn(20000)),
				MinHeap:   90000,
				Uptime:    uint64(time.Since(started).Seconds()),
				NTPSync:   !*unsynced,
				Timestamp: stamp(),
			})
		}
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			tick()
		}
	}
}

func jitter(base, spread float64) float64 {
	return base + (rand.Float64()*2-1)*spread
}
