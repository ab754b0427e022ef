package models

import "time"

type EventType string

const (
	EventNewTripRequest  EventType = "new-trip-request"
	EventTripAccepted    EventType = "trip-accepted"
	EventTripUpdated     EventType = "trip-updated"
	EventTripUnavailable EventType = "trip-unavailable"
)

// TopicAllDrivers reaches every connected driver.
const TopicAllDrivers = "all-drivers"

// TripTopic is the room shared by a trip's rider and assigned driver.
func TripTopic(tripID string) string { return "trip-" + tripID }

// DriverTopic reaches a single driver.
func DriverTopic(driverID string) string { return "driver-" + driverID }

type Event struct {
	Type   EventType `json:"type"`
	TripID string    `json:"tripId"`
	Trip   *Trip     `json:"trip,omitempty"`
	Driver *Driver   `json:"driver,omitempty"`
	At     time.Time `json:"at"`
}
