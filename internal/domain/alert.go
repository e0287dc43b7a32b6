package domain

import "time"

// AlertStatus is the state a record announces for its condition.
type AlertStatus string

const (
	StatusNormal       AlertStatus = "NORMAL"
	StatusRaised       AlertStatus = "RAISED"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusResolved     AlertStatus = "RESOLVED"
	StatusTruncated    AlertStatus = "TRUNCATED"
)

// AlertSource names the subsystem that produced a record.
type AlertSource string

const (
	SourceRiskThreshold   AlertSource = "risk-threshold"
	SourceWorkerEmergency AlertSource = "worker-emergency"
	SourceManualTest      AlertSource = "manual-test"
	SourceAlertLog        AlertSource = "alert-log"
)

// AlertRecord is one immutable entry of the alert log.
type AlertRecord struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Level     Level       `json:"level"`
	Source    AlertSource `json:"source"`
	Condition string      `json:"condition,omitempty"`
	Subject   string      `json:"subject"`
	Status    AlertStatus `json:"status"`
	Message   string      `json:"message"`
	Score     float64     `json:"score"`
	CreatedAt time.Time   `json:"created_at"`
}

// Tombstone reports whether the record marks a log truncation.
func (r AlertRecord) Tombstone() bool { return r.Status == StatusTruncated }

// LocationCondition and WorkerCondition build alert condition keys.
func LocationCondition(loc Location) string { return "location:" + loc.Key() }

func WorkerCondition(id string) string { return "worker:" + id }
