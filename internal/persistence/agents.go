package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is a row in the agent directory.
type AgentRecord struct {
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	OwnerEmail  string    `json:"owner_email"`
	Permissions []string  `json:"permissions"`
	Status      string    `json:"status"`
	Tier        string    `json:"tier"`
	SecretHash  string    `json:"-"`
	Commitment  string    `json:"-"` // active commitment back-reference, empty if none
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateAgent persists a new agent directory record.
func (s *Store) CreateAgent(ctx context.Context, rec AgentRecord) error {
	perms, err := json.Marshal(rec.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, name, owner_email, permissions, status, tier, secret_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, rec.AgentID, rec.Name, rec.OwnerEmail, string(perms), rec.Status, rec.Tier, rec.SecretHash)
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		return nil
	})
}

// GetAgent returns the agent record for the given ID, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	var rec AgentRecord
	var perms string
	var commitment sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, name, owner_email, permissions, status, tier, secret_hash, commitment, created_at, updated_at
		FROM agents WHERE agent_id = ?;
	`, agentID).Scan(&rec.AgentID, &rec.Name, &rec.OwnerEmail, &perms, &rec.Status,
		&rec.Tier, &rec.SecretHash, &commitment, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &rec.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	rec.Commitment = commitment.String
	return &rec, nil
}

// UpdateAgentStatus sets the status field for the given agent.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
		`, status, agentID)
		if err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("update agent status: rows affected: %w", rowsErr)
		}
		if n == 0 {
			return fmt.Errorf("agent %q not found", agentID)
		}
		return nil
	})
}

// SetAgentCommitment links (or with "" clears) the agent's active commitment.
func (s *Store) SetAgentCommitment(ctx context.Context, agentID, commitment string) error {
	var value any
	if commitment != "" {
		value = commitment
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET commitment = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
		`, value, agentID)
		if err != nil {
			return fmt.Errorf("set agent commitment: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("set agent commitment: rows affected: %w", rowsErr)
		}
		if n == 0 {
			return fmt.Errorf("agent %q not found", agentID)
		}
		return nil
	})
}

// ClearCommitmentRef removes the back-reference from any agent pointing at
// the given commitment value. No-op if nothing points at it.
func (s *Store) ClearCommitmentRef(ctx context.Context, commitment string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET commitment = NULL, updated_at = CURRENT_TIMESTAMP WHERE commitment = ?;
		`, commitment)
		if err != nil {
			return fmt.Errorf("clear commitment ref: %w", err)
		}
		return nil
	})
}
