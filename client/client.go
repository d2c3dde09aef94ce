package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/robomo/pulse/gateway"
	"github.com/robomo/pulse/service"
)

// Client maintains one push-channel connection and feeds every inbound event
// into its Store. Outbound requests are serialized through a single writer
// mutex because the socket allows one concurrent writer only.
type Client struct {
	url    string
	store  *Store
	graphs *GraphStore
	logger zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// Dial connects to the relay and returns a client ready to Run. The graph
// store may be nil; comparison graphs are then kept in memory only.
func Dial(ctx context.Context, url string, store *Store, graphs *GraphStore, logger zerolog.Logger) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{
		url:    url,
		store:  store,
		graphs: graphs,
		logger: logger.With().Str("component", "client").Logger(),
		conn:   conn,
	}, nil
}

// Run reads inbound events until the connection drops or the context ends.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read push channel: %w", err)
		}
		var env service.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame")
			continue
		}
		c.apply(ctx, env)
	}
}

func (c *Client) apply(ctx context.Context, env service.Envelope) {
	switch env.Event {
	case service.EventDevices:
		var devices []gateway.Device
		if c.decode(env, &devices) {
			c.store.ApplyDevices(devices)
		}
	case service.EventUseCaseValues:
		var values []string
		if c.decode(env, &values) {
			c.store.ApplyUseCaseValues(values)
		}
	case service.EventTransferSpeed:
		var speed float64
		if c.decode(env, &speed) {
			c.store.SetTransferSpeed(speed)
		}
	case service.EventClientConnected, service.EventClientDisconnected:
		var count int
		if c.decode(env, &count) {
			c.store.SetConnectedClients(count)
		}
	case service.EventUserInfo:
		var info service.UserInfo
		if c.decode(env, &info) {
			c.store.SetUserInfo(info)
			c.restoreGraphs(ctx, info.ConnectionID)
		}
	case service.EventGraphFilteredData:
		var reply service.HistoryReply
		if c.decode(env, &reply) {
			record := c.store.ApplyHistoryReply(reply)
			c.persistGraph(ctx, record)
		}
	case service.EventAlerts:
		var alerts []Alert
		if c.decode(env, &alerts) {
			c.store.SetAlerts(alerts)
		}
	case service.EventSelectedDevice:
		var id string
		if c.decode(env, &id) {
			c.store.SelectDevice(id)
		}
	case service.EventError:
		var payload service.ErrorPayload
		if c.decode(env, &payload) {
			c.store.ApplyError(payload)
			c.logger.Warn().Str("message", payload.Message).Str("request", payload.RequestID).Msg("server error")
		}
	case service.EventPinnedAttribute:
		// Pin echoes carry no state the store tracks beyond the raw payload.
	default:
		c.logger.Debug().Str("event", env.Event).Msg("unknown event")
	}
}

func (c *Client) decode(env service.Envelope, out interface{}) bool {
	if err := json.Unmarshal(env.Data, out); err != nil {
		c.logger.Warn().Err(err).Str("event", env.Event).Msg("malformed payload")
		return false
	}
	return true
}

func (c *Client) restoreGraphs(ctx context.Context, identity string) {
	if c.graphs == nil {
		return
	}
	records, err := c.graphs.Load(ctx, identity)
	if err != nil {
		c.logger.Warn().Err(err).Msg("restore graphs failed")
		return
	}
	for _, record := range records {
		c.store.AddGraph(record)
	}
}

func (c *Client) persistGraph(ctx context.Context, record GraphRecord) {
	if c.graphs == nil {
		return
	}
	record.Identity = c.store.UserInfo().ConnectionID
	if err := c.graphs.Save(ctx, record); err != nil {
		c.logger.Warn().Err(err).Str("graph", record.ID).Msg("persist graph failed")
	}
}

func (c *Client) emit(event string, payload interface{}) error {
	frame, err := service.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// SetUseCase selects the use-case filter locally and on the server.
func (c *Client) SetUseCase(value string) error {
	c.store.SetUseCase(value)
	return c.emit(service.EventUseCaseData, service.UseCaseRequest{UseCaseValue: value})
}

// SetRefreshInterval asks the server to change this connection's poll
// cadence.
func (c *Client) SetRefreshInterval(interval time.Duration) error {
	return c.emit(service.EventRefreshInterval, service.RefreshRequest{
		RefreshIntervalMS: interval.Milliseconds(),
	})
}

// RequestHistory sends a one-shot historical slice request and returns the
// request ID that will correlate the reply.
func (c *Client) RequestHistory(deviceID, deviceType, attributeKey string, start, end time.Time, sampleCap int, colorTag string) (string, error) {
	requestID := uuid.NewString()
	err := c.emit(service.EventGraphFilterData, service.HistoryRequest{
		RequestID:    requestID,
		DeviceID:     deviceID,
		DeviceType:   deviceType,
		AttributeKey: attributeKey,
		StartTime:    start,
		EndTime:      end,
		SampleCap:    sampleCap,
		ColorTag:     colorTag,
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// SelectDevice marks the active selection locally and echoes it through the
// server.
func (c *Client) SelectDevice(id string) error {
	c.store.SelectDevice(id)
	return c.emit(service.EventSelectedDevice, id)
}

// PinAttribute echoes a pinned attribute key through the server.
func (c *Client) PinAttribute(deviceID, attributeKey string) error {
	return c.emit(service.EventPinAttribute, map[string]string{
		"deviceID":     deviceID,
		"attributeKey": attributeKey,
	})
}

// RemoveGraph drops a comparison graph locally and from persistence.
func (c *Client) RemoveGraph(ctx context.Context, id string) error {
	c.store.RemoveGraph(id)
	if c.graphs == nil {
		return nil
	}
	return c.graphs.Delete(ctx, id)
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
