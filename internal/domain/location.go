// internal/domain/location.go
package domain

import (
	"fmt"
	"math"
	"time"
)

// RoomPrecision is the number of decimal places coordinates are rounded to
// when bucketing into rooms. Four places is roughly an 11m cell.
const RoomPrecision = 4

// RoomID derives the location room a coordinate falls into.
func RoomID(lat, lng float64) string {
	return fmt.Sprintf("location_%.*f_%.*f", RoomPrecision, roundTo(lat), RoomPrecision, roundTo(lng))
}

func roundTo(v float64) float64 {
	p := math.Pow10(RoomPrecision)
	r := math.Round(v*p) / p
	// avoid "-0.0000" room ids
	if r == 0 {
		return 0
	}
	return r
}

// RoomJoin is the payload of location:join.
type RoomJoin struct {
	RoomID    string  `json:"roomId"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// RoomLeave is the payload of location:leave.
type RoomLeave struct {
	RoomID string `json:"roomId"`
}

// RoomCount is the payload of location:count.
type RoomCount struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// CheckIn is the payload of checkin:new.
type CheckIn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	RoomID    string    `json:"roomId"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AccuracyUnknown is the sentinel accuracy of a fallback coordinate.
const AccuracyUnknown = 9999.0

type LocationMethod string

const (
	MethodGPS      LocationMethod = "gps"
	MethodNetwork  LocationMethod = "network"
	MethodFallback LocationMethod = "fallback"
)

// MethodFor labels a reading by its accuracy. The label is for display only.
func MethodFor(accuracy float64) LocationMethod {
	switch {
	case accuracy <= 20:
		return MethodGPS
	case accuracy < AccuracyUnknown:
		return MethodNetwork
	default:
		return MethodFallback
	}
}

// LocationSample is a single geolocation reading.
type LocationSample struct {
	Latitude   float64        `json:"lat"`
	Longitude  float64        `json:"lng"`
	Accuracy   float64        `json:"accuracy"`
	CapturedAt time.Time      `json:"capturedAt"`
	Method     LocationMethod `json:"method"`
}

// Reliable reports whether the sample carries a real accuracy value.
func (s LocationSample) Reliable() bool {
	return s.Accuracy < AccuracyUnknown
}
