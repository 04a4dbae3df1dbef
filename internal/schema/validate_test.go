package schema

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMarketData() map[string]any {
	return map[string]any{
		"event_id":       "E1",
		"trace_id":       "T1",
		"produced_at":    "2026-08-05T09:30:00+08:00",
		"schema":         PerceptionMarketDataCollectedV1,
		"schema_version": 1,
		"payload": map[string]any{
			"symbol":    "600000.SH",
			"ts":        "2026-08-05T09:30:00+08:00",
			"timeframe": "1m",
			"open":      10.4,
			"high":      10.6,
			"low":       10.3,
			"close":     10.5,
			"volume":    10000.0,
			"source":    "akshare",
		},
	}
}

func newTestValidator() *Validator {
	return NewValidator(NewCoreRegistry())
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	v := newTestValidator()
	data, err := sonic.Marshal(validMarketData())
	require.NoError(t, err)

	env, err := v.Validate(data)
	require.NoError(t, err)
	assert.Equal(t, "E1", env.EventID)
	assert.Equal(t, PerceptionMarketDataCollectedV1, env.Schema)
}

func TestValidateRejectsUnknownTopLevelField(t *testing.T) {
	v := newTestValidator()
	ev := validMarketData()
	ev["debug"] = true
	data, err := sonic.Marshal(ev)
	require.NoError(t, err)

	_, err = v.Validate(data)
	cv, ok := AsContractViolation(err)
	require.True(t, ok, "expected contract violation, got %v", err)
	assert.Equal(t, KindUnknownField, cv.Kind)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	v := newTestValidator()
	ev := validMarketData()
	delete(ev, "trace_id")
	data, err := sonic.Marshal(ev)
	require.NoError(t, err)

	_, err = v.Validate(data)
	cv, ok := AsContractViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindMissingField, cv.Kind)
	assert.Equal(t, "trace_id", cv.Field)
}

func TestValidateRejectsNaiveTimestamp(t *testing.T) {
	v := newTestValidator()
	ev := validMarketData()
	ev["produced_at"] = "2026-08-05T09:30:00"
	data, err := sonic.Marshal(ev)
	require.NoError(t, err)

	_, err = v.Validate(data)
	cv, ok := AsContractViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindTypeMismatch, cv.Kind)
	assert.Equal(t, "produced_at", cv.Field)
}

func TestValidateRejectsVersionSuffixDisagreement(t *testing.T) {
	v := newTestValidator()
	ev := validMarketData()
	ev["schema_version"] = 2
	data, err := sonic.Marshal(ev)
	require.NoError(t, err)

	_, err = v.Validate(data)
	cv, ok := AsContractViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindTypeMismatch, cv.Kind)
	assert.Equal(t, "schema_version", cv.Field)
}

func TestValidateRejectsUnregisteredSchema(t *testing.T) {
	v := newTestValidator()
	ev := validMarketData()
	ev["schema"] = "perception.market_data.collected.v9"
	ev["schema_version"] = 9
	data, err := sonic.Marshal(ev)
	require.NoError(t, err)

	_, err = v.Validate(data)
	cv, ok := AsContractViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindPayloadInvalid, cv.Kind)
}

func TestValidatePayloadRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(payload map[string]any)
		kind   ValidationKind
	}{
		{"price zero", func(p map[string]any) { p["close"] = 0.0 }, KindPayloadInvalid},
		{"volume negative", func(p map[string]any) { p["volume"] = -1.0 }, KindPayloadInvalid},
		{"symbol wrong type", func(p map[string]any) { p["symbol"] = 42 }, KindTypeMismatch},
		{"extra payload key", func(p map[string]any) { p["note"] = "x" }, KindUnknownField},
		{"missing payload key", func(p map[string]any) { delete(p, "source") }, KindMissingField},
		{"naive payload ts", func(p map[string]any) { p["ts"] = "2026-08-05T09:30:00" }, KindPayloadInvalid},
	}
	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validMarketData()
			tt.mutate(ev["payload"].(map[string]any))
			data, err := sonic.Marshal(ev)
			require.NoError(t, err)

			_, err = v.Validate(data)
			cv, ok := AsContractViolation(err)
			require.True(t, ok, "expected violation for %s", tt.name)
			assert.Equal(t, tt.kind, cv.Kind)
		})
	}
}

func TestValidateEnumMembership(t *testing.T) {
	v := newTestValidator()
	ev := validMarketData()
	ev["schema"] = StrategyCandidateActionGeneratedV1
	ev["payload"] = map[string]any{
		"symbol":               "600000.SH",
		"ts":                   "2026-08-05T09:30:00+08:00",
		"action":               "SHORT",
		"strategy":             "trend",
		"target_position_frac": 0.1,
		"rationale":            "breakout",
	}
	data, err := sonic.Marshal(ev)
	require.NoError(t, err)

	_, err = v.Validate(data)
	cv, ok := AsContractViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindPayloadInvalid, cv.Kind)
	assert.Equal(t, "payload.action", cv.Field)
}

func TestValidateNaNViaMap(t *testing.T) {
	v := newTestValidator()
	ev := validMarketData()
	ev["payload"].(map[string]any)["close"] = nan()
	err := v.ValidateMap(ev)
	cv, ok := AsContractViolation(err)
	require.True(t, ok)
	assert.Equal(t, KindPayloadInvalid, cv.Kind)
}

func nan() float64 {
	z := 0.0
	return z / z
}

func TestValidateNestedObjectRules(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("risk.limits.changed.v1", Rules{Fields: map[string]FieldRule{
		"ts": Ts(),
		"limits": ObjOf(map[string]FieldRule{
			"max_position": NumRange(0, 1),
			"kill_switch":  Bool(),
		}),
	}}))
	v := NewValidator(reg)

	ev := map[string]any{
		"event_id":       "E1",
		"trace_id":       "T1",
		"produced_at":    "2026-08-05T09:30:00Z",
		"schema":         "risk.limits.changed.v1",
		"schema_version": 1,
		"payload": map[string]any{
			"ts": "2026-08-05T09:30:00Z",
			"limits": map[string]any{
				"max_position": 0.1,
				"kill_switch":  false,
			},
		},
	}
	require.NoError(t, v.ValidateMap(ev))

	ev["payload"].(map[string]any)["limits"].(map[string]any)["max_position"] = 2.0
	err := v.ValidateMap(ev)
	cv, ok := AsContractViolation(err)
	require.True(t, ok)
	assert.Equal(t, "payload.limits.max_position", cv.Field)
}

func TestValidateDLQEnvelope(t *testing.T) {
	v := newTestValidator()
	ev := map[string]any{
		"event_id":       "D1",
		"trace_id":       "T1",
		"produced_at":    "2026-08-05T09:30:00Z",
		"schema":         DLQStream(PerceptionMarketDataCollectedV1),
		"schema_version": 1,
		"payload": map[string]any{
			"original_stream":   PerceptionMarketDataCollectedV1,
			"original_offset":   "1-0",
			"original_envelope": map[string]any{"event_id": "E1"},
			"error_kind":        "MissingField",
			"error_detail":      "trace_id: required field is missing",
			"attempts":          1,
		},
	}
	require.NoError(t, v.ValidateMap(ev))
}
