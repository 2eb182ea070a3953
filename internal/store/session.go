// ABOUTME: Tuning sessions: the immutable campaign records that scope jobs,
// ABOUTME: applicability, and results to one target architecture.
package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Session is one named tuning campaign. Immutable once created; every job
// references exactly one session.
type Session struct {
	ID           int64
	Arch         string
	NumCU        int32
	RocmVersion  string
	TunerVersion string
	Reason       string
}

// CreateSession inserts a new session and returns its id. The unique
// constraint on (arch, num_cu, versions, reason) makes re-running
// init-session with identical parameters an integrity error, surfaced to the
// caller.
func (s *Store) CreateSession(ctx context.Context, sess Session) (int64, error) {
	query, args, err := psql.Insert("session").
		Columns("arch", "num_cu", "rocm_version", "tuner_version", "reason").
		Values(sess.Arch, sess.NumCU, sess.RocmVersion, sess.TunerVersion, sess.Reason).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create session query: %w", err)
	}
	var id int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// GetSession returns the session with the given id, or (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	query, args, err := psql.
		Select("id", "arch", "num_cu", "rocm_version", "tuner_version", "reason").
		From("session").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get session query: %w", err)
	}
	var sess Session
	err = s.pool.QueryRow(ctx, query, args...).
		Scan(&sess.ID, &sess.Arch, &sess.NumCU, &sess.RocmVersion, &sess.TunerVersion, &sess.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	return &sess, nil
}
