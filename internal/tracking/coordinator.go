package tracking

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultFreshness    = 5 * time.Minute
	DefaultIdleTimeout  = 10 * time.Minute
	DefaultStoreTimeout = 5 * time.Second
)

// Coordinator owns every live tracking session of both resource kinds. All
// ownership checks for a resource and for a user happen under one mutex, so
// the single-writer and one-session-per-user rules are enforced together.
//
// A slot whose store write is still in flight carries a busy channel. Other
// callers touching that resource (or that user's held resource) wait for the
// write to settle and then re-evaluate.
type Coordinator struct {
	store        Store
	logger       *slog.Logger
	now          func() time.Time
	freshness    time.Duration
	idleTimeout  time.Duration
	storeTimeout time.Duration

	mu     sync.Mutex
	live   map[ResourceKey]*slot
	byUser map[string]ResourceKey

	bg sync.WaitGroup
}

type slot struct {
	session Session
	busy    chan struct{}
	// pending is true until the ownership write of Start has succeeded.
	pending bool
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithWindows sets the write-authorization freshness window and the idle
// timeout after which the sweep expires a session.
func WithWindows(freshness, idle time.Duration) Option {
	return func(c *Coordinator) {
		if freshness > 0 {
			c.freshness = freshness
		}
		if idle > 0 {
			c.idleTimeout = idle
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.storeTimeout = d }
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		freshness:    DefaultFreshness,
		idleTimeout:  DefaultIdleTimeout,
		storeTimeout: DefaultStoreTimeout,
		live:         map[ResourceKey]*slot{},
		byUser:       map[string]ResourceKey{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session_coordinator")
	return c
}

// Start claims key for userID. A user restarting their own active session
// gets the same token back.
func (c *Coordinator) Start(ctx context.Context, key ResourceKey, userID string) (Session, error) {
	if userID == "" {
		return Session{}, NewValidationError("userId", "required")
	}

	for {
		c.mu.Lock()
		if s, ok := c.live[key]; ok {
			if s.busy != nil {
				busy := s.busy
				c.mu.Unlock()
				if err := waitSettled(ctx, busy); err != nil {
					return Session{}, err
				}
				continue
			}
			if s.session.UserID == userID {
				s.session.LastActivity = c.now()
				out := s.session
				c.mu.Unlock()
				return out, nil
			}
			owner := s.session.UserID
			c.mu.Unlock()
			return Session{}, NewResourceOwnedError(key, owner)
		}

		if held, ok := c.byUser[userID]; ok {
			if hs := c.live[held]; hs != nil && hs.busy != nil && !hs.pending {
				busy := hs.busy
				c.mu.Unlock()
				if err := waitSettled(ctx, busy); err != nil {
					return Session{}, err
				}
				continue
			}
			c.mu.Unlock()
			return Session{}, NewUserBusyError(key, userID, held)
		}

		now := c.now()
		s := &slot{
			session: Session{
				Token:        uuid.NewString(),
				Resource:     key,
				UserID:       userID,
				StartTime:    now,
				LastActivity: now,
				State:        StateActive,
			},
			busy:    make(chan struct{}),
			pending: true,
		}
		c.live[key] = s
		c.byUser[userID] = key
		c.mu.Unlock()

		sctx, cancel := c.storeContext(ctx)
		err := c.store.WriteOwnership(sctx, key, Ownership{
			Active:       true,
			OwnerUserID:  userID,
			SessionToken: s.session.Token,
			StartedAt:    now,
		})
		cancel()

		c.mu.Lock()
		done := s.busy
		s.busy = nil
		if err != nil {
			c.dropLocked(key, userID)
		} else {
			s.pending = false
		}
		out := s.session
		c.mu.Unlock()
		close(done)

		if err != nil {
			c.logger.ErrorContext(ctx, "persist ownership failed", "resource", key.String(), "user_id", userID, "error", err)
			return Session{}, err
		}
		c.logger.InfoContext(ctx, "tracking session started", "resource", key.String(), "user_id", userID)
		return out, nil
	}
}

// Stop ends the live session on key when token matches it. Stopping a
// resource that has no live session is a no-op and returns a zero Session.
func (c *Coordinator) Stop(ctx context.Context, key ResourceKey, token string) (Session, error) {
	return c.end(ctx, key, func(s Session) error {
		if s.Token != token {
			return NewInvalidSessionError(key, "token does not match the active session")
		}
		return nil
	})
}

// Release ends the live session on key on behalf of its owner.
func (c *Coordinator) Release(ctx context.Context, key ResourceKey, userID string) (Session, error) {
	return c.end(ctx, key, func(s Session) error {
		if s.UserID != userID {
			return NewInvalidSessionError(key, "session belongs to another user")
		}
		return nil
	})
}

func (c *Coordinator) end(ctx context.Context, key ResourceKey, check func(Session) error) (Session, error) {
	for {
		c.mu.Lock()
		s, ok := c.live[key]
		if !ok {
			c.mu.Unlock()
			return Session{}, nil
		}
		if s.busy != nil {
			busy := s.busy
			c.mu.Unlock()
			if err := waitSettled(ctx, busy); err != nil {
				return Session{}, err
			}
			continue
		}
		if err := check(s.session); err != nil {
			c.mu.Unlock()
			return Session{}, err
		}
		s.busy = make(chan struct{})
		closing := s.session
		c.mu.Unlock()

		closedAt := c.now()
		sctx, cancel := c.storeContext(ctx)
		err := c.store.ClearOwnership(sctx, key, closing.Token, closedAt)
		cancel()

		c.mu.Lock()
		done := s.busy
		s.busy = nil
		if err == nil {
			c.dropLocked(key, closing.UserID)
		}
		c.mu.Unlock()
		close(done)

		if err != nil {
			c.logger.ErrorContext(ctx, "clear ownership failed", "resource", key.String(), "error", err)
			return Session{}, err
		}
		closing.State = StateClosed
		c.logger.InfoContext(ctx, "tracking session stopped", "resource", key.String(), "user_id", closing.UserID)
		return closing, nil
	}
}

// Heartbeat refreshes the owner's activity in memory only. It reports
// whether the heartbeat was applied.
func (c *Coordinator) Heartbeat(key ResourceKey, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.live[key]
	if !ok || s.busy != nil || s.session.UserID != userID {
		return false
	}
	s.session.LastActivity = c.now()
	return true
}

func (c *Coordinator) IsAuthorized(key ResourceKey, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authorizeLocked(key, userID) == nil
}

// Authorize gates a location publish. On success the publish counts as
// session activity.
func (c *Coordinator) Authorize(key ResourceKey, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authorizeLocked(key, userID); err != nil {
		return err
	}
	c.live[key].session.LastActivity = c.now()
	return nil
}

func (c *Coordinator) authorizeLocked(key ResourceKey, userID string) error {
	s, ok := c.live[key]
	if !ok || s.busy != nil {
		return NewNotActiveError(key)
	}
	if s.session.UserID != userID {
		return NewInvalidSessionError(key, "session belongs to another user")
	}
	if c.now().Sub(s.session.LastActivity) >= c.freshness {
		return NewNotActiveError(key)
	}
	return nil
}

// Sweep expires every session idle beyond the idle timeout. The in-memory
// entries are removed before Sweep returns; the persisted ownership is
// cleared in the background and failures are only logged.
func (c *Coordinator) Sweep(ctx context.Context) []Session {
	c.mu.Lock()
	now := c.now()
	var expired []Session
	for key, s := range c.live {
		if s.busy != nil || now.Sub(s.session.LastActivity) <= c.idleTimeout {
			continue
		}
		s.session.State = StateExpired
		expired = append(expired, s.session)
		c.dropLocked(key, s.session.UserID)
	}
	c.mu.Unlock()

	for _, sess := range expired {
		c.logger.InfoContext(ctx, "tracking session expired", "resource", sess.Resource.String(), "user_id", sess.UserID)
		c.clearInBackground(ctx, sess, now)
	}
	return expired
}

// Rehydrate rebuilds live sessions from resources persisted as active. When
// the store holds several active resources for one user, the most recently
// started one is kept and the others are cleared.
func (c *Coordinator) Rehydrate(ctx context.Context) (int, error) {
	resources, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].StartedAt.Before(resources[j].StartedAt)
	})

	now := c.now()
	var stale []Session
	restored := 0

	c.mu.Lock()
	for _, res := range resources {
		if res.OwnerUserID == "" || res.SessionToken == "" {
			stale = append(stale, Session{Token: res.SessionToken, Resource: res.Key})
			continue
		}
		if _, ok := c.live[res.Key]; ok {
			continue
		}
		if held, ok := c.byUser[res.OwnerUserID]; ok {
			stale = append(stale, c.live[held].session)
			c.dropLocked(held, res.OwnerUserID)
			restored--
		}
		last := res.StartedAt
		if res.LastUpdate.After(last) {
			last = res.LastUpdate
		}
		c.live[res.Key] = &slot{session: Session{
			Token:        res.SessionToken,
			Resource:     res.Key,
			UserID:       res.OwnerUserID,
			StartTime:    res.StartedAt,
			LastActivity: last,
			State:        StateActive,
		}}
		c.byUser[res.OwnerUserID] = res.Key
		restored++
	}
	c.mu.Unlock()

	for _, sess := range stale {
		c.logger.WarnContext(ctx, "clearing inconsistent persisted session", "resource", sess.Resource.String(), "user_id", sess.UserID)
		c.clearInBackground(ctx, sess, now)
	}
	c.logger.InfoContext(ctx, "sessions rehydrated", "count", restored)
	return restored, nil
}

// Session returns the committed live session on key, if any.
func (c *Coordinator) Session(key ResourceKey) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.live[key]
	if !ok || s.pending {
		return Session{}, false
	}
	return s.session, true
}

func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	out := make([]Session, 0, len(c.live))
	for _, s := range c.live {
		if !s.pending {
			out = append(out, s.session)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Resource.String() < out[j].Resource.String()
	})
	return out
}

// Drain waits for background ownership clears to finish.
func (c *Coordinator) Drain() {
	c.bg.Wait()
}

func (c *Coordinator) dropLocked(key ResourceKey, userID string) {
	delete(c.live, key)
	if held, ok := c.byUser[userID]; ok && held == key {
		delete(c.byUser, userID)
	}
}

func (c *Coordinator) clearInBackground(ctx context.Context, sess Session, closedAt time.Time) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		sctx, cancel := c.storeContext(context.WithoutCancel(ctx))
		defer cancel()
		if err := c.store.ClearOwnership(sctx, sess.Resource, sess.Token, closedAt); err != nil {
			c.logger.Error("background clear ownership failed", "resource", sess.Resource.String(), "error", err)
		}
	}()
}

func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.storeTimeout)
}

func waitSettled(ctx context.Context, busy <-chan struct{}) error {
	select {
	case <-busy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
