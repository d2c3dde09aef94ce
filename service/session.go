package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/robomo/pulse/gateway"
	"github.com/robomo/pulse/rules"
	"github.com/robomo/pulse/telemetry"
)

const outboundBuffer = 64

// session is one live push-channel connection. It owns the connection's two
// repeating actions (snapshot poll and speed sample), its use-case filter and
// its outbound queue. All writes to the socket go through the writer loop.
type session struct {
	id          string
	ordinal     uint64
	connectedAt time.Time

	conn      *websocket.Conn
	hub       *Hub
	gateway   gateway.Client
	rules     *rules.Engine
	logger    zerolog.Logger
	collector telemetry.Collector

	sched *scheduler
	kick  chan struct{}

	mu      sync.Mutex
	useCase string

	outbound    chan []byte
	bytesPushed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(id string, ordinal uint64, conn *websocket.Conn, hub *Hub) *session {
	return &session{
		id:          id,
		ordinal:     ordinal,
		connectedAt: time.Now().UTC(),
		conn:        conn,
		hub:         hub,
		gateway:     hub.gateway,
		rules:       hub.rules,
		logger:      hub.logger.With().Str("connection", id).Logger(),
		collector:   hub.collector,
		sched:       newScheduler(hub.pollInterval, hub.minInterval),
		kick:        make(chan struct{}, 1),
		useCase:     gateway.UseCaseAll,
		outbound:    make(chan []byte, outboundBuffer),
	}
}

// bind attaches the session lifetime to the request context. It must run
// before the session becomes visible to the hub.
func (s *session) bind(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
}

// run drives the session until the client disconnects or the context ends.
// It returns only after every loop has stopped, so the caller can release the
// connection record without racing a late tick.
func (s *session) run() {
	ctx := s.ctx

	s.wg.Add(3)
	go s.writeLoop(ctx)
	go s.snapshotLoop(ctx)
	go s.speedLoop(ctx)

	s.readLoop(ctx)

	s.cancel()
	s.conn.Close()
	s.wg.Wait()
}

// send enqueues one event for the writer loop. After teardown it is a no-op;
// when the queue is full the frame is dropped, which is acceptable for
// best-effort live telemetry.
func (s *session) send(event string, payload interface{}) {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	s.enqueue(event, frame)
}

func (s *session) enqueue(event string, frame []byte) {
	if frame == nil {
		return
	}
	if s.ctx != nil && s.ctx.Err() != nil {
		return
	}
	select {
	case s.outbound <- frame:
		s.bytesPushed.Add(int64(len(frame)))
		s.collector.IncEventPushed(event, len(frame))
	default:
		s.logger.Warn().Str("event", event).Msg("outbound queue full, dropping frame")
	}
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				s.cancel()
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.logger.Warn().Err(err).Msg("malformed frame")
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *session) dispatch(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventUseCaseData:
		var req UseCaseRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("malformed use case request")
			return
		}
		s.setUseCase(req.UseCaseValue)
		signal(s.kick)
	case EventRefreshInterval:
		var req RefreshRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("malformed refresh request")
			return
		}
		interval := time.Duration(req.RefreshIntervalMS) * time.Millisecond
		if err := s.sched.Reconfigure(interval); err != nil {
			s.logger.Warn().Int64("interval_ms", req.RefreshIntervalMS).Msg("rejected refresh interval")
			s.send(EventError, ErrorPayload{Message: "invalid refresh interval"})
			return
		}
		s.logger.Info().Dur("interval", interval).Msg("refresh interval changed")
	case EventGraphFilterData:
		var req HistoryRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("malformed history request")
			return
		}
		go s.handleHistoryQuery(ctx, req)
	case EventSelectedDevice:
		// Echo back to the sender only; selection is private to a connection.
		s.enqueue(EventSelectedDevice, mustEnvelope(EventSelectedDevice, env.Data))
	case EventPinAttribute:
		s.enqueue(EventPinnedAttribute, mustEnvelope(EventPinnedAttribute, env.Data))
	default:
		s.logger.Debug().Str("event", env.Event).Msg("unknown event")
	}
}

func mustEnvelope(event string, data json.RawMessage) []byte {
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil
	}
	return frame
}

func (s *session) setUseCase(value string) {
	if value == "" {
		value = gateway.UseCaseAll
	}
	s.mu.Lock()
	s.useCase = value
	s.mu.Unlock()
	s.logger.Info().Str("use_case", value).Msg("use case changed")
}

func (s *session) currentUseCase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCase
}

// snapshotLoop pushes a fresh device snapshot on every tick. A use-case
// change wakes it for one immediate out-of-cycle fetch.
func (s *session) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()
	tk := s.sched.waiter()
	s.pollSnapshot(ctx)
	for {
		if err := tk.Wait(ctx, s.kick); err != nil {
			return
		}
		s.pollSnapshot(ctx)
	}
}

func (s *session) pollSnapshot(ctx context.Context) {
	devices, useCaseValues, err := s.gateway.FetchSnapshot(ctx, s.currentUseCase())
	if err != nil {
		// A single upstream hiccup must not stop the cadence; the next tick
		// retries naturally.
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("snapshot poll failed")
			s.collector.IncPollError("upstream")
		}
		return
	}
	s.send(EventUseCaseValues, useCaseValues)
	s.send(EventDevices, devices)
	if alerts := s.rules.Evaluate(devices); len(alerts) > 0 {
		s.send(EventAlerts, alerts)
	}
}

// speedLoop samples the outbound byte counter and pushes the transfer speed
// in bytes per second, then resets the counter.
func (s *session) speedLoop(ctx context.Context) {
	defer s.wg.Done()
	tk := s.sched.waiter()
	last := time.Now()
	for {
		if err := tk.Wait(ctx, nil); err != nil {
			return
		}
		now := time.Now()
		elapsed := now.Sub(last).Seconds()
		last = now
		if elapsed <= 0 {
			continue
		}
		bytes := s.bytesPushed.Swap(0)
		s.send(EventTransferSpeed, float64(bytes)/elapsed)
	}
}

// userInfo describes this connection for the unicast greeting.
func (s *session) userInfo() UserInfo {
	return UserInfo{
		ConnectionID: s.id,
		Ordinal:      s.ordinal,
		ConnectedAt:  s.connectedAt,
	}
}
