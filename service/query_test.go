package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robomo/pulse/gateway"
)

func historyRequest(requestID string) HistoryRequest {
	return HistoryRequest{
		RequestID:    requestID,
		DeviceID:     "braude-01",
		DeviceType:   "Robot",
		AttributeKey: "temperature",
		StartTime:    time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		EndTime:      time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC),
		SampleCap:    100,
		ColorTag:     "#ff8800",
	}
}

func TestHistoryQueryRepliesWithCorrelatedSeries(t *testing.T) {
	gw := &stubGateway{series: gateway.Series{
		Timestamps: []string{"2026-08-30T10:00:00Z", "2026-08-30T10:01:00Z"},
		Attributes: []gateway.SeriesAttribute{
			{Name: "temperature", Values: []interface{}{21.5, 21.7}},
			{Name: "humidity", Values: []interface{}{40.0, 41.0}},
		},
	}}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)
	awaitEvent(t, conn, EventUserInfo)

	emitEvent(t, conn, EventGraphFilterData, historyRequest("req-1"))

	var reply HistoryReply
	decodePayload(t, awaitEvent(t, conn, EventGraphFilteredData), &reply)
	require.Equal(t, "req-1", reply.RequestID)
	require.Equal(t, "braude-01", reply.DeviceID)
	require.Equal(t, "temperature", reply.AttributeKey)
	require.Equal(t, "#ff8800", reply.ColorTag)
	require.Len(t, reply.Values, 2)
	require.Equal(t, "2026-08-30T10:00:00Z", reply.Values[0].Timestamp)
	require.Equal(t, 21.5, reply.Values[0].Value)
	require.False(t, reply.CreatedAt.IsZero())

	gw.mu.Lock()
	query := gw.lastSeries
	gw.mu.Unlock()
	require.Equal(t, "braude-01", query.DeviceID)
	require.Equal(t, 100, query.SampleCap)
}

func TestHistoryQueryPadsShortValueColumn(t *testing.T) {
	gw := &stubGateway{series: gateway.Series{
		Timestamps: []string{"2026-08-30T10:00:00Z", "2026-08-30T10:01:00Z", "2026-08-30T10:02:00Z"},
		Attributes: []gateway.SeriesAttribute{
			{Name: "temperature", Values: []interface{}{21.5, 21.7}},
		},
	}}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)
	awaitEvent(t, conn, EventUserInfo)

	emitEvent(t, conn, EventGraphFilterData, historyRequest("req-2"))

	var reply HistoryReply
	decodePayload(t, awaitEvent(t, conn, EventGraphFilteredData), &reply)
	// One point per timestamp even when the value column is shorter.
	require.Len(t, reply.Values, 3)
	require.Equal(t, 21.7, reply.Values[1].Value)
	require.Nil(t, reply.Values[2].Value)
}

func TestHistoryQueryUpstreamFailure(t *testing.T) {
	gw := &stubGateway{seriesErr: errors.New("quantumleap unreachable")}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)
	awaitEvent(t, conn, EventUserInfo)

	emitEvent(t, conn, EventGraphFilterData, historyRequest("req-3"))

	var payload ErrorPayload
	decodePayload(t, awaitEvent(t, conn, EventError), &payload)
	require.Equal(t, "req-3", payload.RequestID)
	require.Contains(t, payload.Message, "graph data")
}

func TestHistoryQueryUnknownAttribute(t *testing.T) {
	gw := &stubGateway{series: gateway.Series{
		Timestamps: []string{"2026-08-30T10:00:00Z"},
		Attributes: []gateway.SeriesAttribute{
			{Name: "humidity", Values: []interface{}{40.0}},
		},
	}}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)
	awaitEvent(t, conn, EventUserInfo)

	emitEvent(t, conn, EventGraphFilterData, historyRequest("req-4"))

	var payload ErrorPayload
	decodePayload(t, awaitEvent(t, conn, EventError), &payload)
	require.Equal(t, "req-4", payload.RequestID)
	require.Contains(t, payload.Message, "temperature")

	// Exactly one reply per request: a follow-up request must come back with
	// its own ID and nothing for the failed one must surface again.
	emitEvent(t, conn, EventGraphFilterData, historyRequest("req-5"))
	decodePayload(t, awaitEvent(t, conn, EventError), &payload)
	require.Equal(t, "req-5", payload.RequestID)
}

func TestOverlappingHistoryQueriesStayCorrelated(t *testing.T) {
	gw := &stubGateway{series: gateway.Series{
		Timestamps: []string{"2026-08-30T10:00:00Z"},
		Attributes: []gateway.SeriesAttribute{
			{Name: "temperature", Values: []interface{}{21.5}},
		},
	}}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)
	awaitEvent(t, conn, EventUserInfo)

	emitEvent(t, conn, EventGraphFilterData, historyRequest("req-a"))
	emitEvent(t, conn, EventGraphFilterData, historyRequest("req-b"))

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		var reply HistoryReply
		decodePayload(t, awaitEvent(t, conn, EventGraphFilteredData), &reply)
		got[reply.RequestID] = true
	}
	require.True(t, got["req-a"])
	require.True(t, got["req-b"])
}
