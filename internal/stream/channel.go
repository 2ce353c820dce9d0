package stream

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"backend-livetrack/internal/tracking"
)

const publishStripes = 64

// LatestLocationReader is the store fallback used when the presence cache
// has nothing for a resource, e.g. right after a restart.
type LatestLocationReader interface {
	ReadLatestLocation(ctx context.Context, key tracking.ResourceKey) (*tracking.LocationSample, error)
}

type HistoryAppender interface {
	Append(key tracking.ResourceKey, sample tracking.LocationSample)
}

// Snapshot is what a joining spectator receives.
type Snapshot struct {
	SessionID       string
	CurrentLocation *tracking.LocationSample
	Owner           string
	Spectators      int
}

// Channel joins the coordinator to the hub: it admits connections to
// resource rooms and broadcasts locations and lifecycle events.
type Channel struct {
	coord    *tracking.Coordinator
	presence *tracking.Presence
	history  HistoryAppender
	latest   LatestLocationReader
	hub      *Hub
	logger   *slog.Logger
	now      func() time.Time

	// Publishes and stops of one resource are serialized so the presence
	// cache, the history and the broadcast order agree, and no location is
	// broadcast after the stop event.
	stripes [publishStripes]sync.Mutex
}

func NewChannel(coord *tracking.Coordinator, presence *tracking.Presence, history HistoryAppender, latest LatestLocationReader, hub *Hub, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		coord:    coord,
		presence: presence,
		history:  history,
		latest:   latest,
		hub:      hub,
		logger:   logger.With("component", "live_channel"),
		now:      time.Now,
	}
}

func (ch *Channel) Hub() *Hub { return ch.hub }

// Start claims the resource for userID, admits the caller's connection to
// the room and announces the session.
func (ch *Channel) Start(ctx context.Context, key tracking.ResourceKey, userID, connID string) (tracking.Session, error) {
	sess, err := ch.coord.Start(ctx, key, userID)
	if err != nil {
		return tracking.Session{}, err
	}
	if connID != "" {
		ch.hub.Join(roomFor(key), connID)
	}
	ch.BroadcastLifecycle(key, EventTrackingStarted, TrackingLifecycle{
		UserID:       userID,
		ResourceID:   key.ID,
		ResourceKind: key.Kind,
		Timestamp:    ch.now(),
	})
	return sess, nil
}

// Stop ends userID's session on key. Stopping an idle resource succeeds
// without broadcasting anything.
func (ch *Channel) Stop(ctx context.Context, key tracking.ResourceKey, userID string) error {
	defer ch.lock(key)()

	sess, err := ch.coord.Release(ctx, key, userID)
	if err != nil {
		return err
	}
	ch.announceStop(key, sess, EventTrackingStopped)
	return nil
}

// StopSession ends the session on key identified by token.
func (ch *Channel) StopSession(ctx context.Context, key tracking.ResourceKey, token string) error {
	defer ch.lock(key)()

	sess, err := ch.coord.Stop(ctx, key, token)
	if err != nil {
		return err
	}
	ch.announceStop(key, sess, EventTrackingStopped)
	return nil
}

// Expired notifies the room of a session closed by the sweep.
func (ch *Channel) Expired(sess tracking.Session) {
	defer ch.lock(sess.Resource)()
	ch.announceStop(sess.Resource, sess, EventStoppedBySystem)
}

func (ch *Channel) announceStop(key tracking.ResourceKey, sess tracking.Session, event MessageType) {
	if sess.Token == "" {
		return
	}
	ch.BroadcastLifecycle(key, event, TrackingLifecycle{
		UserID:       sess.UserID,
		ResourceID:   key.ID,
		ResourceKind: key.Kind,
		Timestamp:    ch.now(),
	})
}

// Join admits a spectator connection. Observers cannot watch a resource
// that has no active session.
func (ch *Channel) Join(ctx context.Context, key tracking.ResourceKey, userID, connID string) (Snapshot, error) {
	sess, ok := ch.coord.Session(key)
	if !ok {
		return Snapshot{}, tracking.NewNotActiveError(key)
	}
	room := roomFor(key)
	if !ch.hub.Join(room, connID) {
		return Snapshot{}, tracking.NewValidationError("connectionId", "unknown connection")
	}

	snap := Snapshot{
		SessionID:       sess.Token,
		CurrentLocation: ch.currentLocation(ctx, key),
		Owner:           sess.UserID,
		Spectators:      ch.hub.RoomSize(room),
	}
	ch.BroadcastLifecycle(key, EventSpectatorJoined, TrackingLifecycle{
		UserID:       userID,
		ResourceID:   key.ID,
		ResourceKind: key.Kind,
		Timestamp:    ch.now(),
		Spectators:   snap.Spectators,
	})
	return snap, nil
}

// Publish applies a location sample from userID. The coordinator decides
// whether userID may write; the caller's own claim is never trusted.
func (ch *Channel) Publish(key tracking.ResourceKey, userID string, sample tracking.LocationSample) (LocationUpdated, error) {
	if err := sample.Validate(ch.now()); err != nil {
		return LocationUpdated{}, err
	}

	defer ch.lock(key)()

	if err := ch.coord.Authorize(key, userID); err != nil {
		return LocationUpdated{}, err
	}
	ch.presence.Set(key, sample)
	if ch.history != nil {
		ch.history.Append(key, sample)
	}

	event := LocationUpdated{
		UserID:       userID,
		ResourceID:   key.ID,
		ResourceKind: key.Kind,
		Lat:          sample.Lat,
		Lng:          sample.Lng,
		Accuracy:     sample.Accuracy,
		Timestamp:    sample.Timestamp,
	}
	payload, err := Encode(EventLocationUpdated, "", event)
	if err != nil {
		return LocationUpdated{}, err
	}
	ch.hub.Broadcast(roomFor(key), payload)
	return event, nil
}

// Leave drops the connection from every room. The session it may own stays
// alive so a reconnect does not have to reclaim it.
func (ch *Channel) Leave(connID string) {
	ch.hub.LeaveAll(connID)
}

func (ch *Channel) LeaveRoom(connID string, key tracking.ResourceKey) {
	ch.hub.LeaveRoom(roomFor(key), connID)
}

func (ch *Channel) BroadcastLifecycle(key tracking.ResourceKey, eventType MessageType, payload any) {
	msg, err := Encode(eventType, "", payload)
	if err != nil {
		ch.logger.Error("encode lifecycle event failed", "event", string(eventType), "error", err)
		return
	}
	ch.hub.Broadcast(roomFor(key), msg)
}

func (ch *Channel) CurrentLocation(ctx context.Context, key tracking.ResourceKey) (tracking.LocationView, error) {
	view := tracking.LocationView{
		Resource:        key,
		CurrentLocation: ch.currentLocation(ctx, key),
		Spectators:      ch.hub.RoomSize(roomFor(key)),
	}
	if sess, ok := ch.coord.Session(key); ok {
		view.IsActive = true
		view.ActiveTracker = sess.UserID
	}
	return view, nil
}

func (ch *Channel) currentLocation(ctx context.Context, key tracking.ResourceKey) *tracking.LocationSample {
	if sample, ok := ch.presence.Get(key); ok {
		return &sample
	}
	if ch.latest == nil {
		return nil
	}
	sample, err := ch.latest.ReadLatestLocation(ctx, key)
	if err != nil {
		ch.logger.Warn("read latest location failed", "resource", key.String(), "error", err)
		return nil
	}
	return sample
}

// lock takes the stripe of key and returns its unlock.
func (ch *Channel) lock(key tracking.ResourceKey) func() {
	mu := &ch.stripes[stripeFor(key)]
	mu.Lock()
	return mu.Unlock
}

func roomFor(key tracking.ResourceKey) string {
	return key.String()
}

func stripeFor(key tracking.ResourceKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return int(h.Sum32() % publishStripes)
}
