// Package persona implements the persona registry: signed, versioned
// behavioral profiles with append-only history, ETag-cached reads,
// constant-time integrity verification and portable export bundles.
package persona

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/basket/agentauth/internal/apierr"
	"github.com/basket/agentauth/internal/bus"
	"github.com/basket/agentauth/internal/canonical"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/persistence"
)

// MaxPersonaBytes caps the canonical serialized persona size. Oversized
// payloads are a distinct error class from schema validation.
const MaxPersonaBytes = 10 * 1024

type Registry struct {
	store  *persistence.Store
	dir    *directory.Directory
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRegistry(store *persistence.Store, dir *directory.Directory, eventBus *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, dir: dir, bus: eventBus, logger: logger}
}

// Response is the persona view returned by registry operations. The hash
// doubles as the ETag for cached reads.
type Response struct {
	AgentID        string          `json:"agent_id"`
	Persona        json.RawMessage `json:"persona"`
	PersonaHash    string          `json:"persona_hash"`
	PersonaVersion string          `json:"persona_version"`
	Prompt         string          `json:"prompt,omitempty"`
	ETag           string          `json:"etag"`
}

// GetOptions control a cached read.
type GetOptions struct {
	IncludePrompt bool
	ETag          string
}

// HistoryOptions bound a history page.
type HistoryOptions struct {
	Limit   int
	Offset  int
	SortAsc bool
}

// HistoryPage is a paginated slice of persona history.
type HistoryPage struct {
	Entries []persistence.PersonaHistoryEntry `json:"history"`
	Total   int                               `json:"total"`
	Limit   int                               `json:"limit"`
	Offset  int                               `json:"offset"`
}

// VerifyResult reports an integrity check.
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	AgentID     string `json:"agent_id"`
	PersonaHash string `json:"persona_hash"`
	Reason      string `json:"reason"`
}

// Bundle is a portable signed persona export.
type Bundle struct {
	Persona     json.RawMessage `json:"persona"`
	PersonaHash string          `json:"persona_hash"`
	Signature   string          `json:"signature"`
}

// canonicalDoc validates shape, canonicalizes and enforces the size cap.
// Returns the decoded canonical document and its serialized form.
func canonicalDoc(raw json.RawMessage) (map[string]any, []byte, error) {
	if err := validateSchema(raw); err != nil {
		return nil, nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, apierr.Validationf("persona is not a JSON object: %v", err)
	}
	doc, _ := canonical.Canonicalize(decoded).(map[string]any)
	serialized, err := canonical.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	if len(serialized) > MaxPersonaBytes {
		return nil, nil, fmt.Errorf("%w: serialized persona is %d bytes, limit %d", apierr.ErrPayloadTooLarge, len(serialized), MaxPersonaBytes)
	}
	return doc, serialized, nil
}

func parseVersion(doc map[string]any) (*semver.Version, error) {
	rawValue, present := doc["version"]
	if !present {
		return nil, nil
	}
	raw, ok := rawValue.(string)
	if !ok {
		return nil, apierr.Validationf("version must be a semver string, got %T", rawValue)
	}
	v, err := semver.StrictNewVersion(raw)
	if err != nil {
		return nil, apierr.Validationf("version %q is not valid semver: %v", raw, err)
	}
	return v, nil
}

// Register stores the first persona for an agent. A second registration for
// the same agent is a conflict.
func (r *Registry) Register(ctx context.Context, agentID string, raw json.RawMessage, secret string) (*Response, error) {
	if _, err := r.dir.Lookup(ctx, agentID); err != nil {
		return nil, err
	}
	if err := r.dir.VerifySecret(ctx, agentID, secret); err != nil {
		return nil, err
	}

	doc, serialized, err := canonicalDoc(raw)
	if err != nil {
		return nil, err
	}
	version, err := parseVersion(doc)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, apierr.Validationf("version is required")
	}

	existing, err := r.store.GetPersona(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apierr.Conflictf("persona already registered for agent %q", agentID)
	}

	hash, err := canonical.SignHMAC(secret, doc)
	if err != nil {
		return nil, err
	}
	rec := persistence.PersonaRecord{
		AgentID:        agentID,
		Persona:        serialized,
		PersonaHash:    hash,
		PersonaVersion: version.String(),
	}
	if err := r.store.InsertPersona(ctx, rec); err != nil {
		return nil, err
	}
	if err := r.store.AppendPersonaHistory(ctx, persistence.PersonaHistoryEntry{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Persona:        serialized,
		PersonaHash:    hash,
		PersonaVersion: version.String(),
	}); err != nil {
		return nil, err
	}

	r.logger.Info("persona registered", "agent_id", agentID, "persona_version", version.String())
	if r.bus != nil {
		r.bus.Publish(bus.TopicPersonaCreated, bus.PersonaEvent{
			AgentID:        agentID,
			PersonaHash:    hash,
			PersonaVersion: version.String(),
		})
	}
	return r.response(rec, false), nil
}

// Get returns the current persona. When the caller's ETag matches the stored
// hash the second return is true and the body is omitted.
func (r *Registry) Get(ctx context.Context, agentID string, opts GetOptions) (*Response, bool, error) {
	rec, err := r.store.GetPersona(ctx, agentID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, apierr.NotFoundf("persona for agent %q", agentID)
	}
	if opts.ETag != "" && opts.ETag == rec.PersonaHash {
		return &Response{AgentID: agentID, PersonaHash: rec.PersonaHash, ETag: rec.PersonaHash}, true, nil
	}
	return r.response(*rec, opts.IncludePrompt), false, nil
}

// Update replaces the persona under the version rule: an absent version
// auto-bumps the minor; an explicit version must be strictly greater than
// the current one.
func (r *Registry) Update(ctx context.Context, agentID string, raw json.RawMessage, secret string) (*Response, error) {
	current, err := r.store.GetPersona(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apierr.NotFoundf("persona for agent %q", agentID)
	}
	if err := r.dir.VerifySecret(ctx, agentID, secret); err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apierr.Validationf("persona is not a JSON object: %v", err)
	}
	currentVersion, err := semver.StrictNewVersion(current.PersonaVersion)
	if err != nil {
		return nil, fmt.Errorf("stored persona version %q: %w", current.PersonaVersion, err)
	}

	incoming, err := parseVersion(doc)
	if err != nil {
		return nil, err
	}
	var next semver.Version
	if incoming == nil {
		next = currentVersion.IncMinor()
	} else {
		if !incoming.GreaterThan(currentVersion) {
			return nil, apierr.Conflictf("version %s does not increase current %s", incoming, currentVersion)
		}
		next = *incoming
	}
	doc["version"] = next.String()

	amended, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal amended persona: %w", err)
	}
	canonicalMap, serialized, err := canonicalDoc(amended)
	if err != nil {
		return nil, err
	}

	hash, err := canonical.SignHMAC(secret, canonicalMap)
	if err != nil {
		return nil, err
	}

	var previous map[string]any
	if err := json.Unmarshal(current.Persona, &previous); err != nil {
		return nil, fmt.Errorf("decode stored persona: %w", err)
	}
	diff := diffValues(canonical.Canonicalize(previous), canonical.Canonicalize(canonicalMap))
	var diffJSON json.RawMessage
	if diff != nil {
		diffJSON, err = json.Marshal(diff)
		if err != nil {
			return nil, fmt.Errorf("marshal persona diff: %w", err)
		}
	}

	rec := persistence.PersonaRecord{
		AgentID:        agentID,
		Persona:        serialized,
		PersonaHash:    hash,
		PersonaVersion: next.String(),
	}
	if err := r.store.UpdatePersona(ctx, rec); err != nil {
		return nil, err
	}
	if err := r.store.AppendPersonaHistory(ctx, persistence.PersonaHistoryEntry{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Persona:        serialized,
		PersonaHash:    hash,
		PersonaVersion: next.String(),
		Diff:           diffJSON,
	}); err != nil {
		return nil, err
	}

	r.logger.Info("persona updated", "agent_id", agentID, "persona_version", next.String(), "changed_fields", len(diff))
	if r.bus != nil {
		r.bus.Publish(bus.TopicPersonaUpdated, bus.PersonaEvent{
			AgentID:        agentID,
			PersonaHash:    hash,
			PersonaVersion: next.String(),
			Diff:           diff,
		})
	}
	return r.response(rec, false), nil
}

// History returns a page of the append-only persona history.
func (r *Registry) History(ctx context.Context, agentID string, opts HistoryOptions) (*HistoryPage, error) {
	if _, err := r.dir.Lookup(ctx, agentID); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	entries, total, err := r.store.ListPersonaHistory(ctx, agentID, limit, offset, opts.SortAsc)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// HistoryCSV renders a history page as CSV.
func (r *Registry) HistoryCSV(ctx context.Context, agentID string, opts HistoryOptions) ([]byte, error) {
	page, err := r.History(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "agent_id", "persona_version", "persona_hash", "created_at"}); err != nil {
		return nil, err
	}
	for _, entry := range page.Entries {
		if err := w.Write([]string{
			entry.ID, entry.AgentID, entry.PersonaVersion, entry.PersonaHash,
			entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyIntegrity recomputes the hash from the canonical stored persona and
// the presented secret and compares in constant time.
func (r *Registry) VerifyIntegrity(ctx context.Context, agentID, secret string) (*VerifyResult, error) {
	rec, err := r.store.GetPersona(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apierr.NotFoundf("persona for agent %q", agentID)
	}
	recomputed, err := canonical.SignHMAC(secret, rec.Persona)
	if err != nil {
		return nil, err
	}
	if !canonical.Equal(recomputed, rec.PersonaHash) {
		return &VerifyResult{
			Valid:       false,
			AgentID:     agentID,
			PersonaHash: rec.PersonaHash,
			Reason:      "persona hash mismatch",
		}, nil
	}
	return &VerifyResult{
		Valid:       true,
		AgentID:     agentID,
		PersonaHash: rec.PersonaHash,
		Reason:      "persona integrity verified",
	}, nil
}

// Export produces a signed bundle carrying the persona, its hash and a
// signature over both.
func (r *Registry) Export(ctx context.Context, agentID, secret string) (*Bundle, error) {
	rec, err := r.store.GetPersona(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apierr.NotFoundf("persona for agent %q", agentID)
	}
	if err := r.dir.VerifySecret(ctx, agentID, secret); err != nil {
		return nil, err
	}
	signature, err := bundleSignature(secret, rec.Persona, rec.PersonaHash)
	if err != nil {
		return nil, err
	}
	return &Bundle{Persona: rec.Persona, PersonaHash: rec.PersonaHash, Signature: signature}, nil
}

// Import re-validates the bundle's embedded signature and hash before
// treating it as a fresh registration (no existing persona) or an update.
func (r *Registry) Import(ctx context.Context, agentID string, bundle Bundle, secret string) (*Response, error) {
	expected, err := bundleSignature(secret, bundle.Persona, bundle.PersonaHash)
	if err != nil {
		return nil, err
	}
	if !canonical.Equal(expected, bundle.Signature) {
		return nil, apierr.Authf("bundle signature mismatch")
	}
	recomputedHash, err := canonical.SignHMAC(secret, bundle.Persona)
	if err != nil {
		return nil, err
	}
	if !canonical.Equal(recomputedHash, bundle.PersonaHash) {
		return nil, apierr.Authf("bundle persona hash mismatch")
	}

	existing, err := r.store.GetPersona(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return r.Register(ctx, agentID, bundle.Persona, secret)
	}
	return r.Update(ctx, agentID, bundle.Persona, secret)
}

func bundleSignature(secret string, personaJSON json.RawMessage, personaHash string) (string, error) {
	return canonical.SignHMAC(secret, map[string]any{
		"persona":      json.RawMessage(personaJSON),
		"persona_hash": personaHash,
	})
}

func (r *Registry) response(rec persistence.PersonaRecord, includePrompt bool) *Response {
	resp := &Response{
		AgentID:        rec.AgentID,
		Persona:        rec.Persona,
		PersonaHash:    rec.PersonaHash,
		PersonaVersion: rec.PersonaVersion,
		ETag:           rec.PersonaHash,
	}
	if includePrompt {
		var doc struct {
			PromptTemplate string `json:"prompt_template"`
		}
		if err := json.Unmarshal(rec.Persona, &doc); err == nil {
			resp.Prompt = doc.PromptTemplate
		}
	}
	return resp
}
