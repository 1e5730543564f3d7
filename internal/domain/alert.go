package domain

import "time"

// Severity levels shared across the D-MIND services, lowest to highest.
const (
	SeverityMinor    = "minor"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
	SeverityExtreme  = "extreme"
)

var severityRank = map[string]int{
	SeverityMinor:    0,
	SeverityModerate: 1,
	SeveritySevere:   2,
	SeverityExtreme:  3,
}

// SeverityAtLeast reports whether severity meets the given minimum level.
// Unknown levels rank below minor so malformed alerts never trigger work.
func SeverityAtLeast(severity, minimum string) bool {
	r, ok := severityRank[severity]
	if !ok {
		return false
	}
	return r >= severityRank[minimum]
}

// Alert is a disaster alert consumed from the monitoring pipeline's Kafka
// topic. Lat/Lon locate the epicenter or centroid of the affected area.
type Alert struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	IssuedAt  time.Time `json:"issued_at"`
}
