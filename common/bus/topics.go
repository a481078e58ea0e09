// Package bus wraps the pub/sub message broker connection shared by the
// LabelBerry server and device agent (spec §9: "This specification
// chooses the bus model"). It is intentionally the only package in the
// module that imports the MQTT client library, mirroring the way the
// teacher's common/ws package is the sole importer of gorilla/websocket.
package bus

import "fmt"

// Topic builders for a device with id D (spec §6 "Bus topic scheme").
func CommandsTopic(deviceID string) string { return fmt.Sprintf("labelberry/pi/%s/commands", deviceID) }
func ConfigTopic(deviceID string) string   { return fmt.Sprintf("labelberry/pi/%s/config", deviceID) }
func StatusTopic(deviceID string) string   { return fmt.Sprintf("labelberry/pi/%s/status", deviceID) }
func EventsTopic(deviceID string) string   { return fmt.Sprintf("labelberry/pi/%s/events", deviceID) }
func HelloTopic(deviceID string) string    { return fmt.Sprintf("labelberry/pi/%s/hello", deviceID) }

// StatusWildcard and EventsWildcard are the server-side subscriptions that
// fan every device's status/events into the Registry and Correlation
// Engine respectively.
const (
	StatusWildcard = "labelberry/pi/+/status"
	EventsWildcard = "labelberry/pi/+/events"
	HelloWildcard  = "labelberry/pi/+/hello"
)

// DeviceIDFromTopic extracts the device id from any labelberry/pi/{id}/... topic.
func DeviceIDFromTopic(topic string) (string, bool) {
	const prefix = "labelberry/pi/"
	if len(topic) <= len(prefix) {
		return "", false
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], true
		}
	}
	return "", false
}
