package tracking

import (
	"math"
	"strings"
	"time"
)

type Kind string

const (
	KindTransport Kind = "transport"
	KindCustody   Kind = "custody"
)

// ParseKind accepts the wire spelling of a resource kind. An empty value
// defaults to transport.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindTransport:
		return KindTransport, nil
	case KindCustody:
		return KindCustody, nil
	}
	return "", NewValidationError("resourceKind", "must be transport or custody")
}

// ResourceKey identifies a trackable resource across both kinds.
type ResourceKey struct {
	Kind Kind   `json:"resource_kind"`
	ID   string `json:"resource_id"`
}

func NewResourceKey(kind, id string) (ResourceKey, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return ResourceKey{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ResourceKey{}, NewValidationError("resourceId", "required")
	}
	return ResourceKey{Kind: k, ID: id}, nil
}

func (k ResourceKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

type State string

const (
	StateActive  State = "active"
	StateClosed  State = "closed"
	StateExpired State = "expired"
)

// Session is an ephemeral ownership claim. It only lives in the coordinator;
// the ownership fields are mirrored onto the resource row.
type Session struct {
	Token        string      `json:"-"`
	Resource     ResourceKey `json:"resource"`
	UserID       string      `json:"user_id"`
	StartTime    time.Time   `json:"start_time"`
	LastActivity time.Time   `json:"last_activity"`
	State        State       `json:"state"`
}

type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks coordinate ranges and fills a missing timestamp with now.
func (s *LocationSample) Validate(now time.Time) error {
	if math.IsNaN(s.Lat) || math.IsInf(s.Lat, 0) || s.Lat < -90 || s.Lat > 90 {
		return NewValidationError("lat", "must be within [-90, 90]")
	}
	if math.IsNaN(s.Lng) || math.IsInf(s.Lng, 0) || s.Lng < -180 || s.Lng > 180 {
		return NewValidationError("lng", "must be within [-180, 180]")
	}
	if s.Accuracy != nil && (math.IsNaN(*s.Accuracy) || math.IsInf(*s.Accuracy, 0) || *s.Accuracy < 0) {
		return NewValidationError("accuracy", "must be a non-negative number")
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	return nil
}

// Ownership is the persisted mirror of an active session.
type Ownership struct {
	Active       bool
	OwnerUserID  string
	SessionToken string
	StartedAt    time.Time
}

// Resource is the durable row behind a trackable resource. Location history
// is not loaded with it.
type Resource struct {
	Key             ResourceKey     `json:"resource"`
	Active          bool            `json:"active"`
	OwnerUserID     string          `json:"owner_user_id,omitempty"`
	SessionToken    string          `json:"-"`
	StartedAt       time.Time       `json:"started_at,omitempty"`
	ClosedAt        time.Time       `json:"closed_at,omitempty"`
	CurrentLocation *LocationSample `json:"current_location,omitempty"`
	LastUpdate      time.Time       `json:"last_update"`
	TotalDistanceM  float64         `json:"total_distance_m"`
}

// LocationView answers get_current_location.
type LocationView struct {
	Resource        ResourceKey     `json:"resource"`
	CurrentLocation *LocationSample `json:"currentLocation"`
	Spectators      int             `json:"spectators"`
	IsActive        bool            `json:"isActive"`
	ActiveTracker   string          `json:"activeTracker,omitempty"`
}
