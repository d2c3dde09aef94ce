package rules

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robomo/pulse/config"
	"github.com/robomo/pulse/gateway"
)

func device(id string, attrs map[string]interface{}) gateway.Device {
	attributes := make(map[string]gateway.Attribute, len(attrs))
	for name, value := range attrs {
		attributes[name] = gateway.Attribute{Type: "Property", Value: value}
	}
	return gateway.Device{ID: id, Type: "Robot", Attributes: attributes}
}

func TestNewEngineEmptyConfig(t *testing.T) {
	engine, err := NewEngine(nil, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, engine)
	require.Empty(t, engine.Evaluate([]gateway.Device{device("a", nil)}))
}

func TestNewEngineRejectsBrokenExpression(t *testing.T) {
	_, err := NewEngine([]config.WatchRuleConfig{
		{ID: "broken", Expression: "attrs.temperature >"},
	}, zerolog.Nop())
	require.ErrorContains(t, err, "broken")
}

func TestEvaluateMatchesDevices(t *testing.T) {
	engine, err := NewEngine([]config.WatchRuleConfig{
		{ID: "hot", Expression: "attrs.temperature > 80", Message: "overheating"},
		{ID: "braude", Expression: `attrs.useCases == "Braude"`},
	}, zerolog.Nop())
	require.NoError(t, err)

	alerts := engine.Evaluate([]gateway.Device{
		device("urn:a", map[string]interface{}{"temperature": 95.0, "useCases": "Braude"}),
		device("urn:b", map[string]interface{}{"temperature": 20.0, "useCases": "Haifa"}),
	})

	require.Len(t, alerts, 2)
	require.Equal(t, Alert{RuleID: "hot", DeviceID: "urn:a", Message: "overheating"}, alerts[0])
	require.Equal(t, Alert{RuleID: "braude", DeviceID: "urn:a"}, alerts[1])
}

func TestEvaluateSkipsNonBooleanResults(t *testing.T) {
	engine, err := NewEngine([]config.WatchRuleConfig{
		{ID: "numeric", Expression: "attrs.temperature"},
	}, zerolog.Nop())
	require.NoError(t, err)

	alerts := engine.Evaluate([]gateway.Device{
		device("urn:a", map[string]interface{}{"temperature": 95.0}),
	})
	require.Empty(t, alerts)
}

func TestEvaluateToleratesMissingAttributes(t *testing.T) {
	engine, err := NewEngine([]config.WatchRuleConfig{
		{ID: "hot", Expression: "attrs.temperature > 80"},
	}, zerolog.Nop())
	require.NoError(t, err)

	// Devices without the attribute must not match and must not abort the run.
	alerts := engine.Evaluate([]gateway.Device{
		device("urn:a", nil),
		device("urn:b", map[string]interface{}{"temperature": 95.0}),
	})
	require.Len(t, alerts, 1)
	require.Equal(t, "urn:b", alerts[0].DeviceID)
}
