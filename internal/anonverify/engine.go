package anonverify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/agentauth/internal/apierr"
	"github.com/basket/agentauth/internal/audit"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/persistence"
)

// uniformReason is returned for every verification failure. Not-found,
// revoked and expired commitments are deliberately indistinguishable so a
// probing caller learns nothing about what exists.
const uniformReason = "commitment verification failed"

// Engine owns commitment issuance, verification and expiry.
type Engine struct {
	store      *persistence.Store
	dir        *directory.Directory
	logger     *slog.Logger
	strategies map[string]strategy
	sweeping   atomic.Bool
	now        func() time.Time
}

// Options configure engine construction.
type Options struct {
	// VerificationKeyPath points at a serialized Groth16 verification key.
	// Empty disables zkp mode; hash mode stays available.
	VerificationKeyPath string
}

func NewEngine(store *persistence.Store, dir *directory.Directory, logger *slog.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      store,
		dir:        dir,
		logger:     logger,
		strategies: map[string]strategy{ModeHash: hashStrategy{}},
		now:        time.Now,
	}
	if opts.VerificationKeyPath != "" {
		g, err := loadGroth16Strategy(opts.VerificationKeyPath)
		if err != nil {
			return nil, err
		}
		e.strategies[ModeZKP] = g
		logger.Info("groth16 verification key loaded", "path", opts.VerificationKeyPath)
	}
	return e, nil
}

// Material is the one-time response to commitment generation. The salt is
// never stored; losing it means registering a fresh commitment.
type Material struct {
	Commitment string `json:"commitment"`
	Salt       string `json:"salt"`
}

// GenerateCommitment derives commitment material without persisting it.
func (e *Engine) GenerateCommitment(ctx context.Context, agentID, secret string) (*Material, error) {
	if err := e.dir.VerifySecret(ctx, agentID, secret); err != nil {
		return nil, err
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	return &Material{Commitment: ComputeCommitment(agentID, secret, salt), Salt: salt}, nil
}

// RegisterParams shape a commitment registration. Zero-value Permissions
// and Tier snapshot the agent's current directory entry.
type RegisterParams struct {
	Permissions []string
	Tier        string
	ExpiresIn   time.Duration // 0 means no expiry
}

// Registration is the persisted commitment plus its one-time salt.
type Registration struct {
	Commitment  string     `json:"commitment"`
	Salt        string     `json:"salt"`
	Permissions []string   `json:"permissions"`
	Tier        string     `json:"tier"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RegisterCommitment generates and persists a commitment with a snapshot
// of the agent's permissions and tier.
func (e *Engine) RegisterCommitment(ctx context.Context, agentID, secret string, params RegisterParams) (*Registration, error) {
	info, err := e.dir.RequireActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := e.dir.VerifySecret(ctx, agentID, secret); err != nil {
		return nil, err
	}

	permissions := params.Permissions
	if permissions == nil {
		permissions = info.Permissions
	}
	tier := params.Tier
	if tier == "" {
		tier = info.Tier
	}
	switch tier {
	case directory.TierFree, directory.TierPro, directory.TierEnterprise:
	default:
		return nil, apierr.Validationf("unknown tier %q", tier)
	}
	if params.ExpiresIn < 0 {
		return nil, apierr.Validationf("expires_in must not be negative")
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	commitment := ComputeCommitment(agentID, secret, salt)

	var expiresAt *time.Time
	if params.ExpiresIn > 0 {
		t := e.now().Add(params.ExpiresIn).UTC()
		expiresAt = &t
	}
	if err := e.store.InsertCommitment(ctx, persistence.CommitmentRecord{
		Commitment:  commitment,
		AgentID:     agentID,
		Permissions: permissions,
		Tier:        tier,
		Status:      "active",
		ExpiresAt:   expiresAt,
	}); err != nil {
		return nil, err
	}
	if err := e.store.SetAgentCommitment(ctx, agentID, commitment); err != nil {
		return nil, err
	}

	e.logger.Info("commitment registered", "agent_id", agentID, "tier", tier,
		"expires_at", expiresAt)
	return &Registration{
		Commitment:  commitment,
		Salt:        salt,
		Permissions: permissions,
		Tier:        tier,
		ExpiresAt:   expiresAt,
	}, nil
}

// VerifyResult is the shared outcome contract of every verification
// strategy.
type VerifyResult struct {
	Valid       bool     `json:"valid"`
	Permissions []string `json:"permissions,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Reason      string   `json:"reason"`
}

func failed() *VerifyResult {
	return &VerifyResult{Valid: false, Reason: uniformReason}
}

// VerifyAnonymous checks proof material against a stored commitment and,
// on success, returns the registration-time permission/tier snapshot.
// Every failure path returns the same uniform result.
func (e *Engine) VerifyAnonymous(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	strat, ok := e.strategies[req.Mode]
	if !ok {
		e.logger.Warn("verification mode unavailable", "mode", req.Mode)
		return failed(), nil
	}
	if req.Commitment == "" {
		return failed(), nil
	}

	rec, err := e.store.GetCommitment(ctx, req.Commitment)
	if err != nil {
		return nil, err
	}
	switch {
	case rec == nil:
		e.logger.Debug("verification failed", "cause", "unknown commitment")
		return failed(), nil
	case rec.Status != "active":
		e.logger.Debug("verification failed", "cause", "commitment not active")
		return failed(), nil
	case rec.ExpiresAt != nil && !rec.ExpiresAt.After(e.now()):
		e.logger.Debug("verification failed", "cause", "commitment expired")
		return failed(), nil
	}

	ok, reason := strat.verify(req)
	if !ok {
		e.logger.Debug("verification failed", "mode", req.Mode, "cause", reason)
		return failed(), nil
	}

	e.logger.Info("anonymous verification succeeded", "mode", req.Mode, "tier", rec.Tier)
	return &VerifyResult{
		Valid:       true,
		Permissions: rec.Permissions,
		Tier:        rec.Tier,
		Reason:      reason,
	}, nil
}

// RevokeCommitment flips an active commitment to revoked and clears the
// agent's back-reference. Revoking twice is a no-op.
func (e *Engine) RevokeCommitment(ctx context.Context, commitment string) (bool, error) {
	changed, err := e.store.RevokeCommitment(ctx, commitment)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := e.store.ClearCommitmentRef(ctx, commitment); err != nil {
		return true, err
	}
	e.logger.Info("commitment revoked", "commitment", commitment)
	audit.Record("commitment.revoke", "", "revoked", "explicit revocation")
	return true, nil
}

// CleanupExpiredCommitments revokes every expired-active commitment.
// A sweep that overlaps a running one skips instead of queueing.
func (e *Engine) CleanupExpiredCommitments(ctx context.Context) (int, error) {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.logger.Debug("expiry sweep already running, skipping")
		return 0, nil
	}
	defer e.sweeping.Store(false)

	expired, err := e.store.ExpiredActiveCommitments(ctx, e.now())
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, rec := range expired {
		changed, err := e.store.RevokeCommitment(ctx, rec.Commitment)
		if err != nil {
			e.logger.Error("expiry sweep: revoke failed", "commitment", rec.Commitment, "error", err)
			continue
		}
		if !changed {
			continue
		}
		if err := e.store.ClearCommitmentRef(ctx, rec.Commitment); err != nil {
			e.logger.Error("expiry sweep: clear back-reference failed", "commitment", rec.Commitment, "error", err)
		}
		revoked++
		audit.Record("sweep.expired", rec.AgentID, "revoked", "commitment expired")
	}
	if revoked > 0 {
		e.logger.Info("expiry sweep complete", "revoked", revoked)
	}
	return revoked, nil
}
