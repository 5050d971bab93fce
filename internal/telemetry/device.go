// Package telemetry publishes optional operational counters — poll
// success/failure totals, outstanding offer counts, last-poll age — as
// Home-Assistant-style MQTT discovered sensors. It is a pure observer:
// it subscribes to internal/events.Bus and never calls back into the
// reconciliation loop. Adapted from the teacher's internal/mqtt
// publisher, trimmed to the counters this domain actually has.
package telemetry

import "github.com/nugget/tradeoffer/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads published by this instance.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published (retained) to the discovery topic on every broker
// (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance id and
// the human-readable device name configured by the operator.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "nugget",
		Model:        "Trade Offer Agent",
		SWVersion:    buildinfo.Version,
	}
}
