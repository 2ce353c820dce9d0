package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-livetrack/internal/db"
	"backend-livetrack/internal/shared/geo"

	"github.com/jackc/pgx/v5"
)

// Store is the persistence collaborator the coordinator and the history
// appender depend on.
type Store interface {
	ReadResourceState(ctx context.Context, key ResourceKey) (Resource, error)
	WriteOwnership(ctx context.Context, key ResourceKey, own Ownership) error
	// ClearOwnership only clears the row while it still carries token, so a
	// late clear never wipes a newer session.
	ClearOwnership(ctx context.Context, key ResourceKey, token string, closedAt time.Time) error
	AppendLocationHistory(ctx context.Context, key ResourceKey, sample LocationSample) error
	ReadLatestLocation(ctx context.Context, key ResourceKey) (*LocationSample, error)
	ListActive(ctx context.Context) ([]Resource, error)
}

// ErrStoreUnavailable is returned by a PostgresStore built without a
// database connection.
var ErrStoreUnavailable = errors.New("tracking store unavailable")

type PostgresStore struct {
	db db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{db: q}
}

func (s *PostgresStore) ReadResourceState(ctx context.Context, key ResourceKey) (Resource, error) {
	if s.db == nil {
		return Resource{}, ErrStoreUnavailable
	}
	row := s.db.QueryRow(ctx, `
		SELECT active, COALESCE(owner_user_id,''), COALESCE(session_token,''), COALESCE(started_at, last_update),
		       current_lat IS NOT NULL, COALESCE(current_lat,0), COALESCE(current_lng,0), COALESCE(current_accuracy,-1),
		       last_update, COALESCE(total_distance_m,0)
		FROM tracked_resources WHERE kind=$1 AND id=$2
	`, string(key.Kind), key.ID)

	res := Resource{Key: key}
	var hasLocation bool
	var lat, lng, accuracy float64
	if err := row.Scan(&res.Active, &res.OwnerUserID, &res.SessionToken, &res.StartedAt,
		&hasLocation, &lat, &lng, &accuracy, &res.LastUpdate, &res.TotalDistanceM); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resource{}, NewNotFoundError(key)
		}
		return Resource{}, fmt.Errorf("read resource %s: %w", key, err)
	}
	if hasLocation {
		res.CurrentLocation = sampleFromColumns(lat, lng, accuracy, res.LastUpdate)
	}
	return res, nil
}

func (s *PostgresStore) WriteOwnership(ctx context.Context, key ResourceKey, own Ownership) error {
	if s.db == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE tracked_resources
		SET active=$3, owner_user_id=$4, session_token=$5, started_at=$6, closed_at=NULL
		WHERE kind=$1 AND id=$2
	`, string(key.Kind), key.ID, own.Active, own.OwnerUserID, own.SessionToken, own.StartedAt)
	if err != nil {
		return fmt.Errorf("write ownership %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return NewNotFoundError(key)
	}
	return nil
}

func (s *PostgresStore) ClearOwnership(ctx context.Context, key ResourceKey, token string, closedAt time.Time) error {
	if s.db == nil {
		return ErrStoreUnavailable
	}
	_, err := s.db.Exec(ctx, `
		UPDATE tracked_resources
		SET active=false, owner_user_id=NULL, session_token=NULL, closed_at=$4
		WHERE kind=$1 AND id=$2 AND COALESCE(session_token,'')=$3
	`, string(key.Kind), key.ID, token, closedAt)
	if err != nil {
		return fmt.Errorf("clear ownership %s: %w", key, err)
	}
	return nil
}

// AppendLocationHistory records the sample and moves the resource's current
// location in one transaction.
func (s *PostgresStore) AppendLocationHistory(ctx context.Context, key ResourceKey, sample LocationSample) error {
	if s.db == nil {
		return ErrStoreUnavailable
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append history %s: %w", key, err)
	}
	if err := appendLocation(ctx, tx, key, sample); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history %s: %w", key, err)
	}
	return nil
}

func appendLocation(ctx context.Context, tx pgx.Tx, key ResourceKey, sample LocationSample) error {
	var hasLast bool
	var lastLat, lastLng float64
	_ = tx.QueryRow(ctx, `
		SELECT current_lat IS NOT NULL, COALESCE(current_lat,0), COALESCE(current_lng,0)
		FROM tracked_resources WHERE kind=$1 AND id=$2
	`, string(key.Kind), key.ID).Scan(&hasLast, &lastLat, &lastLng)

	if _, err := tx.Exec(ctx, `
		INSERT INTO resource_location_history (kind, resource_id, location, accuracy, recorded_at)
		VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3,$4), 4326)::geography, $5, $6)
	`, string(key.Kind), key.ID, sample.Lng, sample.Lat, sample.Accuracy, sample.Timestamp); err != nil {
		return fmt.Errorf("append history %s: %w", key, err)
	}

	deltaM := 0.0
	if hasLast {
		deltaM = geo.HaversineKm(lastLat, lastLng, sample.Lat, sample.Lng) * 1000
	}
	if _, err := tx.Exec(ctx, `
		UPDATE tracked_resources
		SET current_lat=$3, current_lng=$4, current_accuracy=$5, last_update=$6,
		    total_distance_m = COALESCE(total_distance_m,0) + $7
		WHERE kind=$1 AND id=$2
	`, string(key.Kind), key.ID, sample.Lat, sample.Lng, sample.Accuracy, sample.Timestamp, deltaM); err != nil {
		return fmt.Errorf("update current location %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ReadLatestLocation(ctx context.Context, key ResourceKey) (*LocationSample, error) {
	if s.db == nil {
		return nil, ErrStoreUnavailable
	}
	var lat, lng, accuracy float64
	var at time.Time
	err := s.db.QueryRow(ctx, `
		SELECT current_lat, current_lng, COALESCE(current_accuracy,-1), last_update
		FROM tracked_resources
		WHERE kind=$1 AND id=$2 AND current_lat IS NOT NULL
	`, string(key.Kind), key.ID).Scan(&lat, &lng, &accuracy, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest location %s: %w", key, err)
	}
	return sampleFromColumns(lat, lng, accuracy, at), nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Resource, error) {
	if s.db == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.db.Query(ctx, `
		SELECT kind, id, COALESCE(owner_user_id,''), COALESCE(session_token,''), COALESCE(started_at, last_update), last_update
		FROM tracked_resources WHERE active
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var kind string
		res := Resource{Active: true}
		if err := rows.Scan(&kind, &res.Key.ID, &res.OwnerUserID, &res.SessionToken, &res.StartedAt, &res.LastUpdate); err != nil {
			return nil, err
		}
		res.Key.Kind = Kind(kind)
		out = append(out, res)
	}
	return out, rows.Err()
}

func sampleFromColumns(lat, lng, accuracy float64, at time.Time) *LocationSample {
	sample := &LocationSample{Lat: lat, Lng: lng, Timestamp: at}
	if accuracy >= 0 {
		sample.Accuracy = &accuracy
	}
	return sample
}
