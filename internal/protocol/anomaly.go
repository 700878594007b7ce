package protocol

import (
	"encoding/json"
	"time"
)

// AnomalyEvent is published for every anomalous reading the ETL loaded.
type AnomalyEvent struct {
	CycleID     string    `json:"cycle_id"`
	SensorID    string    `json:"sensor_id"`
	City        string    `json:"city"`
	Timestamp   time.Time `json:"timestamp"`
	AnomalyType string    `json:"anomaly_type"` // SPIKE, STUCK, DROPOUT
	Metric      string    `json:"metric,omitempty"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
}

// EncodeAnomalyEvent encodes an AnomalyEvent to JSON
func EncodeAnomalyEvent(e *AnomalyEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeAnomalyEvent decodes JSON to AnomalyEvent
func DecodeAnomalyEvent(data []byte) (*AnomalyEvent, error) {
	var e AnomalyEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
