package protocol

import (
	"encoding/json"
	"time"
)

// EventNotification is the Kafka message published for every recorded event
type EventNotification struct {
	Type      string    `json:"type"`
	EventID   string    `json:"event_id"`
	DevAddr   string    `json:"dev_addr"`
	GroupID   string    `json:"group_id"`
	GroupName string    `json:"group_name,omitempty"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventTypeThresholdExceeded = "THRESHOLD_EXCEEDED"
)

// EncodeEventNotification encodes an EventNotification to JSON
func EncodeEventNotification(n *EventNotification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeEventNotification decodes JSON to EventNotification
func DecodeEventNotification(data []byte) (*EventNotification, error) {
	var n EventNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
