package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robomo/pulse/gateway"
)

// handleHistoryQuery serves one on-demand historical slice request. Exactly
// one reply leaves this function, success or error, addressed to the
// requesting connection only. Each request runs in its own goroutine so
// overlapping requests from the same connection cannot cross replies; the
// echoed request ID keeps the correlation explicit on the client side.
func (s *session) handleHistoryQuery(ctx context.Context, req HistoryRequest) {
	series, err := s.gateway.FetchSeries(ctx, gateway.SeriesQuery{
		DeviceID:   req.DeviceID,
		DeviceType: req.DeviceType,
		Start:      req.StartTime,
		End:        req.EndTime,
		SampleCap:  req.SampleCap,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("device", req.DeviceID).Str("attribute", req.AttributeKey).Msg("history fetch failed")
		s.collector.IncQuery("upstream_error")
		s.send(EventError, ErrorPayload{
			Message:   "failed to fetch filtered graph data",
			RequestID: req.RequestID,
		})
		return
	}

	values, ok := series.Attribute(req.AttributeKey)
	if !ok {
		s.collector.IncQuery("attribute_not_found")
		s.send(EventError, ErrorPayload{
			Message:   fmt.Sprintf("attribute %q not found for device %s", req.AttributeKey, req.DeviceID),
			RequestID: req.RequestID,
		})
		return
	}

	points := make([]SeriesPoint, len(series.Timestamps))
	for i, ts := range series.Timestamps {
		point := SeriesPoint{Timestamp: ts}
		if i < len(values) {
			point.Value = values[i]
		}
		points[i] = point
	}

	s.collector.IncQuery("ok")
	s.send(EventGraphFilteredData, HistoryReply{
		RequestID:    req.RequestID,
		DeviceID:     req.DeviceID,
		DeviceType:   req.DeviceType,
		AttributeKey: req.AttributeKey,
		Values:       points,
		SampleCap:    req.SampleCap,
		ColorTag:     req.ColorTag,
		CreatedAt:    time.Now().UTC(),
	})
}
