package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommitmentRecord is a stored ZKP commitment with its permission and tier
// snapshot. The salt/preimage is never persisted.
type CommitmentRecord struct {
	Commitment  string     `json:"commitment"`
	AgentID     string     `json:"agent_id"`
	Permissions []string   `json:"permissions"`
	Tier        string     `json:"tier"`
	Status      string     `json:"status"` // active | revoked
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// InsertCommitment persists a new active commitment.
func (s *Store) InsertCommitment(ctx context.Context, rec CommitmentRecord) error {
	perms, err := json.Marshal(rec.Permissions)
	if err != nil {
		return fmt.Errorf("marshal commitment permissions: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO zkp_commitments (commitment, agent_id, permissions, tier, status, expires_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.Commitment, rec.AgentID, string(perms), rec.Tier, rec.Status, rec.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert commitment: %w", err)
		}
		return nil
	})
}

// GetCommitment returns the commitment row, or nil if not found.
func (s *Store) GetCommitment(ctx context.Context, commitment string) (*CommitmentRecord, error) {
	var rec CommitmentRecord
	var perms string
	var expiresAt, revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT commitment, agent_id, permissions, tier, status, expires_at, created_at, revoked_at
		FROM zkp_commitments WHERE commitment = ?;
	`, commitment).Scan(&rec.Commitment, &rec.AgentID, &perms, &rec.Tier, &rec.Status,
		&expiresAt, &rec.CreatedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get commitment: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &rec.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal commitment permissions: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rec.RevokedAt = &t
	}
	return &rec, nil
}

// RevokeCommitment flips an active commitment to revoked. Returns false when
// the row was already revoked or does not exist, so callers stay idempotent.
func (s *Store) RevokeCommitment(ctx context.Context, commitment string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE zkp_commitments
			SET status = 'revoked', revoked_at = CURRENT_TIMESTAMP
			WHERE commitment = ? AND status = 'active';
		`, commitment)
		if err != nil {
			return fmt.Errorf("revoke commitment: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("revoke commitment: rows affected: %w", rowsErr)
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// ExpiredActiveCommitments returns active commitments whose expiry is at or
// before now.
func (s *Store) ExpiredActiveCommitments(ctx context.Context, now time.Time) ([]CommitmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commitment, agent_id, permissions, tier, status, expires_at, created_at, revoked_at
		FROM zkp_commitments
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired commitments: %w", err)
	}
	defer rows.Close()

	var out []CommitmentRecord
	for rows.Next() {
		var rec CommitmentRecord
		var perms string
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(&rec.Commitment, &rec.AgentID, &perms, &rec.Tier, &rec.Status,
			&expiresAt, &rec.CreatedAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("scan expired commitment: %w", err)
		}
		if err := json.Unmarshal([]byte(perms), &rec.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal commitment permissions: %w", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			rec.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			rec.RevokedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired commitments: iterate: %w", err)
	}
	return out, nil
}
