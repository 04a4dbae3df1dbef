package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentByDigest(t *testing.T) {
	r := NewRegistry()
	rules := Rules{Fields: map[string]FieldRule{"status": Str()}}

	require.NoError(t, r.Register(PerceptionHeartbeatV1, rules))
	require.NoError(t, r.Register(PerceptionHeartbeatV1, rules))

	got, ok := r.Rules(PerceptionHeartbeatV1)
	require.True(t, ok)
	assert.Equal(t, rules.Digest(), got.Digest())
}

func TestRegisterConflictingRulesFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(PerceptionHeartbeatV1, Rules{Fields: map[string]FieldRule{"status": Str()}}))

	err := r.Register(PerceptionHeartbeatV1, Rules{Fields: map[string]FieldRule{"status": Str(), "uptime": Num()}})
	assert.ErrorIs(t, err, ErrSchemaConflict)
}

func TestRegisterRejectsMalformedSchemaName(t *testing.T) {
	r := NewRegistry()
	err := r.Register("not-a-schema", Rules{})
	assert.Error(t, err)
}

func TestCoreRegistryCoversPipelineAndTradeStreams(t *testing.T) {
	r := NewCoreRegistry()
	for _, s := range CoreStreams() {
		_, ok := r.Rules(s)
		assert.True(t, ok, "missing core registration for %s", s)
	}
	for _, s := range TradeStreams() {
		_, ok := r.Rules(s)
		assert.True(t, ok, "missing trade registration for %s", s)
	}
}

func TestRulesDigestIsStable(t *testing.T) {
	a := Rules{Fields: map[string]FieldRule{"a": Str(), "b": NumRange(0, 1)}}
	b := Rules{Fields: map[string]FieldRule{"b": NumRange(0, 1), "a": Str()}}
	assert.Equal(t, a.Digest(), b.Digest())
}
