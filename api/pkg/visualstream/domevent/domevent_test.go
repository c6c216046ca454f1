package domevent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent_ValidMeta(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":4,"timestamp":100,"data":{"href":"https://example.com"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMeta, ev.Type)
	assert.Equal(t, int64(100), ev.Timestamp)
}

func TestParseEvent_UnknownTypeRejected(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":99,"timestamp":1}`))
	assert.Error(t, err)
}

func TestParseEvent_MalformedJSONRejected(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseEvent_FullSnapshotRequiresNode(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":2,"timestamp":1,"data":{}}`))
	assert.Error(t, err, "full snapshot with no data.node must be rejected")

	_, err = ParseEvent([]byte(`{"type":2,"timestamp":1,"data":{"node":null}}`))
	assert.Error(t, err, "full snapshot with a null node must be rejected")

	_, err = ParseEvent([]byte(`{"type":2,"timestamp":1}`))
	assert.Error(t, err, "full snapshot with no data field at all must be rejected")

	ev, err := ParseEvent([]byte(`{"type":2,"timestamp":1,"data":{"node":{"id":1}}}`))
	require.NoError(t, err)
	assert.True(t, ev.IsFullSnapshot())
}

func TestParseEvent_IncrementalSnapshotAllowsEmptyData(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":3,"timestamp":1}`))
	require.NoError(t, err, "incremental snapshots carry no data-shape invariant, unlike full snapshots")
	assert.False(t, ev.IsFullSnapshot())

	ev, err = ParseEvent([]byte(`{"type":3,"timestamp":1,"data":{"source":"mutation"}}`))
	require.NoError(t, err)
	assert.False(t, ev.IsFullSnapshot())
}

func TestParseEvent_PreservesRawPayload(t *testing.T) {
	raw := []byte(`{"type":0,"timestamp":5,"extra_field":"kept"}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(ev.Other))
}

func TestEvent_MarshalJSON_PreservesAgentSpecificFields(t *testing.T) {
	raw := []byte(`{"type":4,"timestamp":100,"data":{"href":"https://example.com"},"agent_version":"1.2.3"}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out), "re-marshalling must not drop fields beyond type/timestamp/data")
}

func TestEvent_MarshalJSON_ReflectsMutatedFields(t *testing.T) {
	raw := []byte(`{"type":3,"timestamp":1,"data":{"source":"mutation"},"extra":"keep"}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	ev.Timestamp = 999

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":3,"timestamp":999,"data":{"source":"mutation"},"extra":"keep"}`, string(out))
}

func TestEvent_MarshalJSON_FallsBackWithoutOther(t *testing.T) {
	ev := Event{Type: TypeMeta, Timestamp: 42}
	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":4,"timestamp":42}`, string(out))
}
