package stream

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"backend-livetrack/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommandVariants(t *testing.T) {
	now := time.Now()
	cases := []struct {
		frame string
		want  Command
	}{
		{`{"type":"start_tracking","payload":{"resourceId":"100"}}`, StartTracking{Key: tracking.ResourceKey{Kind: tracking.KindTransport, ID: "100"}}},
		{`{"type":"join_tracking","payload":{"resourceId":"200","resourceKind":"custody"}}`, JoinTracking{Key: tracking.ResourceKey{Kind: tracking.KindCustody, ID: "200"}}},
		{`{"type":"stop_tracking","payload":{"resourceId":"1"}}`, StopTracking{Key: tracking.ResourceKey{Kind: tracking.KindTransport, ID: "1"}}},
		{`{"type":"leave_tracking","payload":{"resourceId":"1"}}`, LeaveTracking{Key: tracking.ResourceKey{Kind: tracking.KindTransport, ID: "1"}}},
		{`{"type":"heartbeat","payload":{"resourceId":"1"}}`, Heartbeat{Key: tracking.ResourceKey{Kind: tracking.KindTransport, ID: "1"}}},
		{`{"type":"get_current_location","payload":{"resourceId":"1"}}`, GetCurrentLocation{Key: tracking.ResourceKey{Kind: tracking.KindTransport, ID: "1"}}},
	}
	for _, tc := range cases {
		_, cmd, err := DecodeCommand([]byte(tc.frame), now)
		require.NoError(t, err, tc.frame)
		assert.Equal(t, tc.want, cmd, tc.frame)
		assert.Equal(t, tc.want.Type(), cmd.Type())
	}
}

func TestDecodeUpdateLocation(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	frame := `{"type":"update_location","requestId":"r-1","payload":{"resourceId":"100","userId":"user-1","lat":-6.2,"lng":106.8,"accuracy":4}}`

	hdr, cmd, err := DecodeCommand([]byte(frame), now)
	require.NoError(t, err)
	assert.Equal(t, "r-1", hdr.RequestID)
	assert.Equal(t, "user-1", hdr.ClaimedUserID)

	update, ok := cmd.(UpdateLocation)
	require.True(t, ok)
	assert.Equal(t, -6.2, update.Sample.Lat)
	require.NotNil(t, update.Sample.Accuracy)
	assert.Equal(t, 4.0, *update.Sample.Accuracy)
	assert.Equal(t, now, update.Sample.Timestamp)
}

func TestDecodeCommandRejects(t *testing.T) {
	cases := map[string]string{
		"malformed":      `{"type":`,
		"no payload":     `{"type":"start_tracking"}`,
		"unknown type":   `{"type":"dance","payload":{"resourceId":"1"}}`,
		"bad kind":       `{"type":"start_tracking","payload":{"resourceId":"1","resourceKind":"boat"}}`,
		"missing id":     `{"type":"join_tracking","payload":{}}`,
		"missing coords": `{"type":"update_location","payload":{"resourceId":"1","lat":1}}`,
		"out of range":   `{"type":"update_location","payload":{"resourceId":"1","lat":100,"lng":1}}`,
	}
	for name, frame := range cases {
		_, cmd, err := DecodeCommand([]byte(frame), time.Now())
		assert.Nil(t, cmd, name)
		assert.True(t, errors.Is(err, tracking.ErrValidation), "%s: %v", name, err)
	}
}

func TestDecodeCommandUnknownTypeSkipsPayload(t *testing.T) {
	for _, frame := range []string{
		`{"type":"bogus","requestId":"r-2","payload":{}}`,
		`{"type":"bogus","requestId":"r-2"}`,
		`{"requestId":"r-2","payload":{"resourceId":"1"}}`,
	} {
		hdr, cmd, err := DecodeCommand([]byte(frame), time.Now())
		assert.Nil(t, cmd, frame)
		require.ErrorIs(t, err, tracking.ErrValidation, frame)
		assert.Contains(t, err.Error(), "unknown message type", frame)
		assert.Empty(t, hdr.Type, frame)
		assert.Equal(t, "r-2", hdr.RequestID, frame)
	}
}

func TestEncodeEnvelope(t *testing.T) {
	msg, err := Encode(TypeStartTracking.Result(), "r-9", AckResult{Success: true})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, MessageType("start_tracking_result"), env.Type)
	assert.Equal(t, "r-9", env.RequestID)
	assert.JSONEq(t, `{"success":true}`, string(env.Payload))
}
