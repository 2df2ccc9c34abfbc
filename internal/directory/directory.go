// Package directory is the agent directory: the sole source of truth for
// whether an agent may submit pings or hold a commitment. The trust engines
// consult it for status and permission snapshots and flip status through it
// on auto-revocation.
package directory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/basket/agentauth/internal/apierr"
	"github.com/basket/agentauth/internal/canonical"
	"github.com/basket/agentauth/internal/persistence"
)

// Agent statuses.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// Agent tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// permissionPattern matches service:resource:action strings, wildcards allowed.
var permissionPattern = regexp.MustCompile(`^(\*|[a-z0-9_]+):(\*|[a-z0-9_]+):(\*|[a-z0-9_]+)$`)

// Info is the directory view the engines consume.
type Info struct {
	AgentID     string
	Status      string
	Tier        string
	Permissions []string
	SecretHash  string
}

type Directory struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Directory {
	return &Directory{store: store}
}

// Register creates a directory record for a new agent. The raw secret is
// hashed before storage and never persisted.
func (d *Directory) Register(ctx context.Context, agentID, name, ownerEmail, secret, tier string, permissions []string) error {
	if agentID == "" {
		return apierr.Validationf("agent_id is required")
	}
	if secret == "" {
		return apierr.Validationf("secret is required")
	}
	switch tier {
	case TierFree, TierPro, TierEnterprise:
	case "":
		tier = TierFree
	default:
		return apierr.Validationf("unknown tier %q", tier)
	}
	for _, p := range permissions {
		if !permissionPattern.MatchString(p) {
			return apierr.Validationf("malformed permission %q", p)
		}
	}
	rec := persistence.AgentRecord{
		AgentID:     agentID,
		Name:        name,
		OwnerEmail:  ownerEmail,
		Permissions: permissions,
		Status:      StatusActive,
		Tier:        tier,
		SecretHash:  HashSecret(secret),
	}
	if existing, err := d.store.GetAgent(ctx, agentID); err != nil {
		return err
	} else if existing != nil {
		return apierr.Conflictf("agent %q already registered", agentID)
	}
	return d.store.CreateAgent(ctx, rec)
}

// Lookup returns the directory info for an agent.
func (d *Directory) Lookup(ctx context.Context, agentID string) (*Info, error) {
	rec, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apierr.NotFoundf("agent %q", agentID)
	}
	return &Info{
		AgentID:     rec.AgentID,
		Status:      rec.Status,
		Tier:        rec.Tier,
		Permissions: rec.Permissions,
		SecretHash:  rec.SecretHash,
	}, nil
}

// SetStatus flips an agent's status. Setting the current status again is a
// no-op, which keeps auto-revocation retries safe.
func (d *Directory) SetStatus(ctx context.Context, agentID, status string) error {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended, StatusRevoked:
	default:
		return apierr.Validationf("unknown status %q", status)
	}
	return d.store.UpdateAgentStatus(ctx, agentID, status)
}

// VerifySecret checks the presented secret against the stored hash in
// constant time. Unknown agents fail the same way as wrong secrets.
func (d *Directory) VerifySecret(ctx context.Context, agentID, secret string) error {
	rec, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if rec == nil || !canonical.Equal(rec.SecretHash, HashSecret(secret)) {
		return apierr.Authf("invalid credentials for agent %q", agentID)
	}
	return nil
}

// RequireActive returns the info for an agent that must be active.
func (d *Directory) RequireActive(ctx context.Context, agentID string) (*Info, error) {
	info, err := d.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if info.Status != StatusActive {
		return nil, fmt.Errorf("%w: agent %q is %s", apierr.ErrAuth, agentID, info.Status)
	}
	return info, nil
}

// HashSecret returns the hex SHA-256 of a raw agent secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
