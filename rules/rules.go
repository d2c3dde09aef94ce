package rules

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/robomo/pulse/config"
	"github.com/robomo/pulse/gateway"
)

// Alert marks a device matched by a configured watch expression.
type Alert struct {
	RuleID   string `json:"ruleID"`
	DeviceID string `json:"deviceID"`
	Message  string `json:"message,omitempty"`
}

type compiledRule struct {
	id      string
	message string
	program *vm.Program
}

// Engine evaluates the configured watch expressions against device
// snapshots. Expressions are compiled once at startup; evaluation failures
// are logged and skipped so a bad rule cannot disturb the poll cadence.
type Engine struct {
	rules  []compiledRule
	logger zerolog.Logger
}

// NewEngine compiles the configured watch rules. A nil engine is valid and
// evaluates to no alerts.
func NewEngine(cfgs []config.WatchRuleConfig, logger zerolog.Logger) (*Engine, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	engine := &Engine{logger: logger.With().Str("component", "rules").Logger()}
	for _, cfg := range cfgs {
		program, err := expr.Compile(cfg.Expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile watch rule %q: %w", cfg.ID, err)
		}
		engine.rules = append(engine.rules, compiledRule{id: cfg.ID, message: cfg.Message, program: program})
	}
	return engine, nil
}

// Evaluate runs every rule against every device and returns the matches.
func (e *Engine) Evaluate(devices []gateway.Device) []Alert {
	if e == nil || len(e.rules) == 0 {
		return nil
	}
	var alerts []Alert
	for _, device := range devices {
		env := deviceEnv(device)
		for _, rule := range e.rules {
			out, err := vm.Run(rule.program, env)
			if err != nil {
				e.logger.Debug().Err(err).Str("rule", rule.id).Str("device", device.ID).Msg("watch evaluation failed")
				continue
			}
			matched, ok := out.(bool)
			if !ok {
				e.logger.Debug().Str("rule", rule.id).Str("device", device.ID).Msg("watch expression is not boolean")
				continue
			}
			if matched {
				alerts = append(alerts, Alert{RuleID: rule.id, DeviceID: device.ID, Message: rule.message})
			}
		}
	}
	return alerts
}

func deviceEnv(device gateway.Device) map[string]interface{} {
	attrs := make(map[string]interface{}, len(device.Attributes))
	for name, attr := range device.Attributes {
		attrs[name] = attr.Value
	}
	return map[string]interface{}{
		"id":    device.ID,
		"type":  device.Type,
		"attrs": attrs,
	}
}
