package service

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robomo/pulse/config"
	"github.com/robomo/pulse/gateway"
)

// stubGateway serves canned snapshots and series without a broker.
type stubGateway struct {
	mu          sync.Mutex
	devices     []gateway.Device
	snapshotErr error
	snapshots   int

	series     gateway.Series
	seriesErr  error
	lastSeries gateway.SeriesQuery
}

func (g *stubGateway) FetchSnapshot(ctx context.Context, useCaseFilter string) ([]gateway.Device, []string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshots++
	if g.snapshotErr != nil {
		return nil, nil, g.snapshotErr
	}
	values := []string{gateway.UseCaseAll}
	seen := make(map[string]struct{})
	for _, device := range g.devices {
		value, ok := device.UseCase()
		if !ok {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	return gateway.FilterByUseCase(g.devices, useCaseFilter), values, nil
}

func (g *stubGateway) FetchSeries(ctx context.Context, query gateway.SeriesQuery) (gateway.Series, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSeries = query
	if g.seriesErr != nil {
		return gateway.Series{}, g.seriesErr
	}
	return g.series, nil
}

func (g *stubGateway) snapshotCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshots
}

func (g *stubGateway) setSnapshotErr(err error) {
	g.mu.Lock()
	g.snapshotErr = err
	g.mu.Unlock()
}

func taggedDevice(id, useCase string) gateway.Device {
	return gateway.Device{
		ID:   id,
		Type: "Robot",
		Attributes: map[string]gateway.Attribute{
			"useCases": {Type: "Property", Value: useCase},
		},
	}
}

func testConfig(interval time.Duration) *config.Config {
	cfg := &config.Config{}
	cfg.Server.WriteTimeout.Duration = time.Second
	cfg.Poll.Interval.Duration = interval
	cfg.Poll.MinInterval.Duration = 10 * time.Millisecond
	return cfg
}

func startHub(t *testing.T, gw gateway.Client, interval time.Duration) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(testConfig(interval), gw, nil, nil, zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitEvent reads frames until the wanted event arrives, skipping others.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Event == event {
			return env
		}
	}
}

// refuteEvent asserts the event does not arrive within the window.
func refuteEvent(t *testing.T, conn *websocket.Conn, event string, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		require.NotEqual(t, event, env.Event)
	}
}

func emitEvent(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	frame, err := EncodeEvent(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func decodePayload(t *testing.T, env Envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func TestConnectGreetsAndPushesSnapshot(t *testing.T) {
	gw := &stubGateway{devices: []gateway.Device{
		taggedDevice("urn:a", "Braude"),
		taggedDevice("urn:b", "Braude"),
		taggedDevice("urn:c", "Haifa"),
	}}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)

	var count int
	decodePayload(t, awaitEvent(t, conn, EventClientConnected), &count)
	require.Equal(t, 1, count)

	var info UserInfo
	decodePayload(t, awaitEvent(t, conn, EventUserInfo), &info)
	require.NotEmpty(t, info.ConnectionID)
	require.Equal(t, uint64(1), info.Ordinal)
	require.False(t, info.ConnectedAt.IsZero())

	var values []string
	decodePayload(t, awaitEvent(t, conn, EventUseCaseValues), &values)
	require.Equal(t, []string{"All", "Braude", "Haifa"}, values)

	var devices []gateway.Device
	decodePayload(t, awaitEvent(t, conn, EventDevices), &devices)
	require.Len(t, devices, 3)
}

func TestUseCaseChangeTriggersImmediatePoll(t *testing.T) {
	gw := &stubGateway{devices: []gateway.Device{
		taggedDevice("urn:a", "Braude"),
		taggedDevice("urn:b", "Braude"),
		taggedDevice("urn:c", "Haifa"),
	}}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)

	var devices []gateway.Device
	decodePayload(t, awaitEvent(t, conn, EventDevices), &devices)
	require.Len(t, devices, 3)

	// The next scheduled tick is an hour away; the filter change must not
	// wait for it.
	emitEvent(t, conn, EventUseCaseData, UseCaseRequest{UseCaseValue: "Braude"})

	decodePayload(t, awaitEvent(t, conn, EventDevices), &devices)
	require.Len(t, devices, 2)
	for _, device := range devices {
		value, ok := device.UseCase()
		require.True(t, ok)
		require.Equal(t, "Braude", value)
	}
}

func TestOrdinalsGrowAcrossReconnects(t *testing.T) {
	gw := &stubGateway{}
	hub, srv := startHub(t, gw, time.Hour)

	first := dialHub(t, srv)
	var info UserInfo
	decodePayload(t, awaitEvent(t, first, EventUserInfo), &info)
	require.Equal(t, uint64(1), info.Ordinal)
	firstID := info.ConnectionID
	first.Close()

	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	second := dialHub(t, srv)
	var count int
	decodePayload(t, awaitEvent(t, second, EventClientConnected), &count)
	require.Equal(t, 1, count)
	decodePayload(t, awaitEvent(t, second, EventUserInfo), &info)
	require.Equal(t, uint64(2), info.Ordinal)
	require.NotEqual(t, firstID, info.ConnectionID)
}

func TestDisconnectStopsPollingAndBroadcasts(t *testing.T) {
	gw := &stubGateway{devices: []gateway.Device{taggedDevice("urn:a", "Braude")}}
	hub, srv := startHub(t, gw, 50*time.Millisecond)

	first := dialHub(t, srv)
	awaitEvent(t, first, EventUserInfo)

	second := dialHub(t, srv)
	awaitEvent(t, second, EventUserInfo)
	second.Close()

	var count int
	decodePayload(t, awaitEvent(t, first, EventClientDisconnected), &count)
	require.Equal(t, 1, count)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// With every connection gone the poll cadence must be gone too.
	time.Sleep(100 * time.Millisecond)
	settled := gw.snapshotCount()
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, settled, gw.snapshotCount())
}

func TestInvalidRefreshIntervalRejected(t *testing.T) {
	gw := &stubGateway{}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)
	awaitEvent(t, conn, EventUserInfo)

	emitEvent(t, conn, EventRefreshInterval, RefreshRequest{RefreshIntervalMS: -5})

	var payload ErrorPayload
	decodePayload(t, awaitEvent(t, conn, EventError), &payload)
	require.Contains(t, payload.Message, "invalid refresh interval")
}

func TestRefreshIntervalChangesCadence(t *testing.T) {
	gw := &stubGateway{devices: []gateway.Device{taggedDevice("urn:a", "Braude")}}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)

	awaitEvent(t, conn, EventDevices)

	// Shrink the hour-long cadence; a second snapshot must arrive promptly.
	emitEvent(t, conn, EventRefreshInterval, RefreshRequest{RefreshIntervalMS: 50})
	awaitEvent(t, conn, EventDevices)
}

func TestSelectedDeviceEchoIsUnicast(t *testing.T) {
	gw := &stubGateway{}
	_, srv := startHub(t, gw, time.Hour)

	first := dialHub(t, srv)
	awaitEvent(t, first, EventUserInfo)
	second := dialHub(t, srv)
	awaitEvent(t, second, EventUserInfo)

	emitEvent(t, first, EventSelectedDevice, "urn:a")

	var selected string
	decodePayload(t, awaitEvent(t, first, EventSelectedDevice), &selected)
	require.Equal(t, "urn:a", selected)

	refuteEvent(t, second, EventSelectedDevice, 300*time.Millisecond)
}

func TestPinAttributeEchoes(t *testing.T) {
	gw := &stubGateway{}
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)
	awaitEvent(t, conn, EventUserInfo)

	emitEvent(t, conn, EventPinAttribute, map[string]string{"deviceID": "urn:a", "attributeKey": "temperature"})

	var pinned map[string]string
	decodePayload(t, awaitEvent(t, conn, EventPinnedAttribute), &pinned)
	require.Equal(t, "temperature", pinned["attributeKey"])
}

func TestPollFailureKeepsConnectionAlive(t *testing.T) {
	gw := &stubGateway{devices: []gateway.Device{taggedDevice("urn:a", "Braude")}}
	gw.setSnapshotErr(context.DeadlineExceeded)
	_, srv := startHub(t, gw, time.Hour)
	conn := dialHub(t, srv)

	awaitEvent(t, conn, EventUserInfo)
	require.Eventually(t, func() bool { return gw.snapshotCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Recovery: the next poll succeeds and the stream resumes.
	gw.setSnapshotErr(nil)
	emitEvent(t, conn, EventUseCaseData, UseCaseRequest{UseCaseValue: gateway.UseCaseAll})
	awaitEvent(t, conn, EventDevices)
}

func TestTransferSpeedSampled(t *testing.T) {
	gw := &stubGateway{devices: []gateway.Device{taggedDevice("urn:a", "Braude")}}
	_, srv := startHub(t, gw, 50*time.Millisecond)
	conn := dialHub(t, srv)

	var speed float64
	decodePayload(t, awaitEvent(t, conn, EventTransferSpeed), &speed)
	require.GreaterOrEqual(t, speed, 0.0)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	gw := &stubGateway{}
	hub, srv := startHub(t, gw, time.Hour)

	first := dialHub(t, srv)
	awaitEvent(t, first, EventUserInfo)
	second := dialHub(t, srv)
	awaitEvent(t, second, EventUserInfo)

	hub.Broadcast(EventError, ErrorPayload{Message: "maintenance"})

	for _, conn := range []*websocket.Conn{first, second} {
		var payload ErrorPayload
		decodePayload(t, awaitEvent(t, conn, EventError), &payload)
		require.Equal(t, "maintenance", payload.Message)
	}
}
