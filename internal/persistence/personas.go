package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PersonaRecord is the current persona row for an agent.
type PersonaRecord struct {
	AgentID        string          `json:"agent_id"`
	Persona        json.RawMessage `json:"persona"`
	PersonaHash    string          `json:"persona_hash"`
	PersonaVersion string          `json:"persona_version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PersonaHistoryEntry is an immutable, append-only snapshot of a persona
// version. Diff is present on update entries only.
type PersonaHistoryEntry struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	Persona        json.RawMessage `json:"persona"`
	PersonaHash    string          `json:"persona_hash"`
	PersonaVersion string          `json:"persona_version"`
	Diff           json.RawMessage `json:"diff,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// InsertPersona inserts the first persona for an agent. Fails on the primary
// key if one already exists; callers translate that into a conflict.
func (s *Store) InsertPersona(ctx context.Context, rec PersonaRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO personas (agent_id, persona, persona_hash, persona_version)
			VALUES (?, ?, ?, ?);
		`, rec.AgentID, string(rec.Persona), rec.PersonaHash, rec.PersonaVersion)
		if err != nil {
			return fmt.Errorf("insert persona: %w", err)
		}
		return nil
	})
}

// GetPersona returns the current persona for an agent, or nil if none.
func (s *Store) GetPersona(ctx context.Context, agentID string) (*PersonaRecord, error) {
	var rec PersonaRecord
	var persona string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, persona, persona_hash, persona_version, created_at, updated_at
		FROM personas WHERE agent_id = ?;
	`, agentID).Scan(&rec.AgentID, &persona, &rec.PersonaHash, &rec.PersonaVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get persona: %w", err)
	}
	rec.Persona = json.RawMessage(persona)
	return &rec, nil
}

// UpdatePersona replaces the current persona row for an agent.
func (s *Store) UpdatePersona(ctx context.Context, rec PersonaRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE personas
			SET persona = ?, persona_hash = ?, persona_version = ?, updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, string(rec.Persona), rec.PersonaHash, rec.PersonaVersion, rec.AgentID)
		if err != nil {
			return fmt.Errorf("update persona: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("update persona: rows affected: %w", rowsErr)
		}
		if n == 0 {
			return fmt.Errorf("persona for agent %q not found", rec.AgentID)
		}
		return nil
	})
}

// AppendPersonaHistory appends an immutable history entry.
func (s *Store) AppendPersonaHistory(ctx context.Context, entry PersonaHistoryEntry) error {
	var diff any
	if len(entry.Diff) > 0 {
		diff = string(entry.Diff)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO persona_history (id, agent_id, persona, persona_hash, persona_version, diff)
			VALUES (?, ?, ?, ?, ?, ?);
		`, entry.ID, entry.AgentID, string(entry.Persona), entry.PersonaHash, entry.PersonaVersion, diff)
		if err != nil {
			return fmt.Errorf("append persona history: %w", err)
		}
		return nil
	})
}

// ListPersonaHistory returns a page of history entries for an agent plus the
// total count. sortAsc=false returns newest first.
func (s *Store) ListPersonaHistory(ctx context.Context, agentID string, limit, offset int, sortAsc bool) ([]PersonaHistoryEntry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM persona_history WHERE agent_id = ?;
	`, agentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count persona history: %w", err)
	}

	order := "DESC"
	if sortAsc {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, agent_id, persona, persona_hash, persona_version, diff, created_at
		FROM persona_history WHERE agent_id = ?
		ORDER BY created_at %s, id %s
		LIMIT ? OFFSET ?;
	`, order, order), agentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list persona history: %w", err)
	}
	defer rows.Close()

	var out []PersonaHistoryEntry
	for rows.Next() {
		var entry PersonaHistoryEntry
		var persona string
		var diff sql.NullString
		if err := rows.Scan(&entry.ID, &entry.AgentID, &persona, &entry.PersonaHash,
			&entry.PersonaVersion, &diff, &entry.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan persona history: %w", err)
		}
		entry.Persona = json.RawMessage(persona)
		if diff.Valid {
			entry.Diff = json.RawMessage(diff.String)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list persona history: iterate: %w", err)
	}
	return out, total, nil
}
