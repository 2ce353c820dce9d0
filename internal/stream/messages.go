package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"backend-livetrack/internal/tracking"
)

type MessageType string

// Client requests.
const (
	TypeStartTracking      MessageType = "start_tracking"
	TypeUpdateLocation     MessageType = "update_location"
	TypeJoinTracking       MessageType = "join_tracking"
	TypeStopTracking       MessageType = "stop_tracking"
	TypeLeaveTracking      MessageType = "leave_tracking"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeGetCurrentLocation MessageType = "get_current_location"
)

// Room events.
const (
	EventLocationUpdated MessageType = "location_updated"
	EventTrackingStarted MessageType = "tracking_started"
	EventTrackingStopped MessageType = "tracking_stopped"
	EventStoppedBySystem MessageType = "tracking_stopped_by_system"
	EventSpectatorJoined MessageType = "spectator_joined"
	EventError           MessageType = "error"
)

func (t MessageType) Result() MessageType {
	return t + "_result"
}

// Envelope is the frame shape of every message in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Command is a validated client request. The concrete types below are the
// only implementations.
type Command interface {
	Type() MessageType
	Resource() tracking.ResourceKey
}

type StartTracking struct{ Key tracking.ResourceKey }

type UpdateLocation struct {
	Key    tracking.ResourceKey
	Sample tracking.LocationSample
}

type JoinTracking struct{ Key tracking.ResourceKey }

type StopTracking struct{ Key tracking.ResourceKey }

type LeaveTracking struct{ Key tracking.ResourceKey }

type Heartbeat struct{ Key tracking.ResourceKey }

type GetCurrentLocation struct{ Key tracking.ResourceKey }

func (c StartTracking) Type() MessageType { return TypeStartTracking }
func (c StartTracking) Resource() tracking.ResourceKey { return c.Key }
func (c UpdateLocation) Type() MessageType { return TypeUpdateLocation }
func (c UpdateLocation) Resource() tracking.ResourceKey { return c.Key }
func (c JoinTracking) Type() MessageType { return TypeJoinTracking }
func (c JoinTracking) Resource() tracking.ResourceKey { return c.Key }
func (c StopTracking) Type() MessageType { return TypeStopTracking }
func (c StopTracking) Resource() tracking.ResourceKey { return c.Key }
func (c LeaveTracking) Type() MessageType { return TypeLeaveTracking }
func (c LeaveTracking) Resource() tracking.ResourceKey { return c.Key }
func (c Heartbeat) Type() MessageType { return TypeHeartbeat }
func (c Heartbeat) Resource() tracking.ResourceKey { return c.Key }
func (c GetCurrentLocation) Type() MessageType { return TypeGetCurrentLocation }
func (c GetCurrentLocation) Resource() tracking.ResourceKey { return c.Key }

// resourceRef is the payload part shared by every request. UserID is what
// the client claims; it is only checked against the connection identity.
type resourceRef struct {
	ResourceID   string `json:"resourceId"`
	ResourceKind string `json:"resourceKind,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

type locationPayload struct {
	resourceRef
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Header carries the envelope fields of a decoded request.
type Header struct {
	Type          MessageType
	RequestID     string
	ClaimedUserID string
}

var refCommands = map[MessageType]func(tracking.ResourceKey) Command{
	TypeStartTracking:      func(k tracking.ResourceKey) Command { return StartTracking{Key: k} },
	TypeJoinTracking:       func(k tracking.ResourceKey) Command { return JoinTracking{Key: k} },
	TypeStopTracking:       func(k tracking.ResourceKey) Command { return StopTracking{Key: k} },
	TypeLeaveTracking:      func(k tracking.ResourceKey) Command { return LeaveTracking{Key: k} },
	TypeHeartbeat:          func(k tracking.ResourceKey) Command { return Heartbeat{Key: k} },
	TypeGetCurrentLocation: func(k tracking.ResourceKey) Command { return GetCurrentLocation{Key: k} },
}

// DecodeCommand parses and validates one client frame. The returned header is
// filled as far as parsing got, so errors can still be answered. Unknown
// types leave the header type empty and are answered with an error event.
func DecodeCommand(data []byte, now time.Time) (Header, Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Header{}, nil, tracking.NewValidationError("message", "malformed json")
	}
	hdr := Header{RequestID: env.RequestID}

	build, known := refCommands[env.Type]
	if !known && env.Type != TypeUpdateLocation {
		return hdr, nil, tracking.NewValidationError("type", fmt.Sprintf("unknown message type %q", env.Type))
	}
	hdr.Type = env.Type

	if env.Type == TypeUpdateLocation {
		var p locationPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return hdr, nil, err
		}
		hdr.ClaimedUserID = p.UserID
		key, err := tracking.NewResourceKey(p.ResourceKind, p.ResourceID)
		if err != nil {
			return hdr, nil, err
		}
		if p.Lat == nil || p.Lng == nil {
			return hdr, nil, tracking.NewValidationError("lat/lng", "required")
		}
		sample := tracking.LocationSample{Lat: *p.Lat, Lng: *p.Lng, Accuracy: p.Accuracy}
		if p.Timestamp != nil {
			sample.Timestamp = *p.Timestamp
		}
		if err := sample.Validate(now); err != nil {
			return hdr, nil, err
		}
		return hdr, UpdateLocation{Key: key, Sample: sample}, nil
	}

	var ref resourceRef
	if err := decodePayload(env.Payload, &ref); err != nil {
		return hdr, nil, err
	}
	hdr.ClaimedUserID = ref.UserID
	key, err := tracking.NewResourceKey(ref.ResourceKind, ref.ResourceID)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, build(key), nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return tracking.NewValidationError("payload", "required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return tracking.NewValidationError("payload", "malformed")
	}
	return nil
}

// Encode builds an outgoing frame.
func Encode(t MessageType, requestID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, RequestID: requestID, Payload: raw})
}

type StartResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

type JoinResult struct {
	Success         bool                     `json:"success"`
	SessionID       string                   `json:"sessionId,omitempty"`
	CurrentLocation *tracking.LocationSample `json:"currentLocation"`
	ActiveTracker   string                   `json:"activeTracker,omitempty"`
	Spectators      int                      `json:"spectators"`
	Message         string                   `json:"message,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
}

type LocationResult struct {
	Success bool `json:"success"`
	tracking.LocationView
}

type AckResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Owner   string `json:"owner,omitempty"`
}

type LocationUpdated struct {
	UserID       string        `json:"userId"`
	ResourceID   string        `json:"resourceId"`
	ResourceKind tracking.Kind `json:"resourceKind"`
	Lat          float64       `json:"lat"`
	Lng          float64       `json:"lng"`
	Accuracy     *float64      `json:"accuracy"`
	Timestamp    time.Time     `json:"timestamp"`
}

type TrackingLifecycle struct {
	UserID       string        `json:"userId"`
	ResourceID   string        `json:"resourceId"`
	ResourceKind tracking.Kind `json:"resourceKind"`
	Timestamp    time.Time     `json:"timestamp"`
	Spectators   int           `json:"spectators,omitempty"`
}

type ErrorEventPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}
