package service

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server to client event names.
const (
	EventDevices            = "devices"
	EventUseCaseValues      = "useCaseValues"
	EventTransferSpeed      = "transferSpeed"
	EventClientConnected    = "clientConnected"
	EventClientDisconnected = "clientDisconnected"
	EventUserInfo           = "userInfo"
	EventSelectedDevice     = "selectedDeviceData"
	EventPinnedAttribute    = "pinnedAttribute"
	EventGraphFilteredData  = "graphFilteredData"
	EventAlerts             = "alerts"
	EventError              = "error"
)

// Client to server event names.
const (
	EventUseCaseData     = "useCaseData"
	EventRefreshInterval = "refreshInterval"
	EventGraphFilterData = "graphFilterData"
	EventPinAttribute    = "pinAttribute"
)

// Envelope frames every message on the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent renders an envelope ready for the wire.
func EncodeEvent(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// UserInfo identifies one connection to its owner.
type UserInfo struct {
	ConnectionID string    `json:"userID"`
	Ordinal      uint64    `json:"userNumber"`
	ConnectedAt  time.Time `json:"timeConnected"`
}

// UseCaseRequest selects the connection's use-case filter.
type UseCaseRequest struct {
	UseCaseValue string `json:"useCaseValue"`
}

// RefreshRequest reconfigures the connection's poll cadence.
type RefreshRequest struct {
	RefreshIntervalMS int64 `json:"refreshInterval"`
}

// HistoryRequest is a one-shot bounded historical slice request. All fields
// are validated client-side before emission; RequestID correlates the reply.
type HistoryRequest struct {
	RequestID    string    `json:"requestID"`
	DeviceID     string    `json:"deviceID"`
	DeviceType   string    `json:"deviceType"`
	AttributeKey string    `json:"attributeKey"`
	StartTime    time.Time `json:"startDateTime"`
	EndTime      time.Time `json:"endDateTime"`
	SampleCap    int       `json:"lastX"`
	ColorTag     string    `json:"color"`
}

// SeriesPoint pairs one historical value with its timestamp.
type SeriesPoint struct {
	Timestamp string      `json:"timestamp"`
	Value     interface{} `json:"value"`
}

// HistoryReply answers a HistoryRequest on success.
type HistoryReply struct {
	RequestID    string        `json:"requestID"`
	DeviceID     string        `json:"deviceID"`
	DeviceType   string        `json:"deviceType"`
	AttributeKey string        `json:"attributeKey"`
	Values       []SeriesPoint `json:"values"`
	SampleCap    int           `json:"lastX"`
	ColorTag     string        `json:"color"`
	CreatedAt    time.Time     `json:"created"`
}

// ErrorPayload is pushed when a request cannot be served. RequestID is set
// when the failure answers a correlated on-demand query.
type ErrorPayload struct {
	Message   string `json:"message"`
	RequestID string `json:"requestID,omitempty"`
}
