package model

import "time"

// MessageKind identifies the payload family carried on a sensor topic.
type MessageKind string

const (
	KindData      MessageKind = "data"
	KindHeartbeat MessageKind = "heartbeat"
)

// Heartbeat defaults applied when a device omits a field.
const (
	UnknownRSSI = -999
)

// Device is a provisioned sensor as recorded in the external registry.
type Device struct {
	MACAddr string `json:"device_mac_addr"`
	SiteRef string `json:"site_ref"`
}

// DataPayload is the JSON body published on datayoti/sensor/<mac>/data.
type DataPayload struct {
	DeviceID    string   `json:"device_id"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Timestamp   string   `json:"timestamp"`
}

// HeartbeatPayload is the JSON body published on datayoti/sensor/<mac>/heartbeat.
// Every field except DeviceID is optional.
type HeartbeatPayload struct {
	DeviceID  string  `json:"device_id"`
	RSSI      *int    `json:"rssi"`
	FreeHeap  *uint64 `json:"free_heap"`
	MinHeap   *uint64 `json:"min_heap"`
	Uptime    *uint64 `json:"uptime"`
	NTPSync   *bool   `json:"ntp_sync"`
	Timestamp *string `json:"timestamp"`
}

// SensorReading is one row of sensor_data, unique on (DeviceMAC, Time).
type SensorReading struct {
	Time          string    `json:"time"`
	DeviceMAC     string    `json:"device_mac_addr"`
	Temperature   float64   `json:"temperature"`
	Humidity      float64   `json:"humidity"`
	ReceptionTime time.Time `json:"reception_time"`
}

// Heartbeat is one row of device_heartbeats, unique on (DeviceMAC, Time).
type Heartbeat struct {
	Time          string    `json:"time"`
	DeviceMAC     string    `json:"device_mac_addr"`
	RSSI          int       `json:"rssi"`
	FreeHeap      uint64    `json:"free_heap"`
	MinHeap       uint64    `json:"min_heap"`
	Uptime        uint64    `json:"uptime"`
	NTPSync       bool      `json:"ntp_sync"`
	ReceptionTime time.Time `json:"reception_time"`
}
