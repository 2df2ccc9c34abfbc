package anonverify

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"

	"github.com/basket/agentauth/internal/canonical"
)

// Verification modes.
const (
	ModeHash = "hash"
	ModeZKP  = "zkp"
)

// VerifyRequest carries the caller-supplied proof material for one mode.
type VerifyRequest struct {
	Commitment    string   `json:"commitment"`
	Mode          string   `json:"mode"`
	PreimageHash  string   `json:"preimage_hash,omitempty"`
	Proof         string   `json:"proof,omitempty"` // base64 Groth16 proof
	PublicSignals []string `json:"public_signals,omitempty"`
}

// strategy is one way of checking proof material against a stored
// commitment. Implementations return ok plus an internal reason that is
// logged, never returned to the caller.
type strategy interface {
	verify(req VerifyRequest) (bool, string)
}

// hashStrategy accepts a caller-supplied preimage hash equal to the stored
// commitment. No zero-knowledge property; fallback for callers without a
// proving stack.
type hashStrategy struct{}

func (hashStrategy) verify(req VerifyRequest) (bool, string) {
	if req.PreimageHash == "" {
		return false, "missing preimage_hash"
	}
	if !canonical.Equal(req.PreimageHash, req.Commitment) {
		return false, "preimage hash mismatch"
	}
	return true, "preimage hash matches"
}

// groth16Strategy verifies a Groth16 proof against a verification key
// loaded once at construction. The first public signal must equal the
// commitment under verification, which defeats signal substitution.
type groth16Strategy struct {
	vk groth16.VerifyingKey
}

func loadGroth16Strategy(path string) (*groth16Strategy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open verification key: %w", err)
	}
	defer f.Close()

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("read verification key %s: %w", path, err)
	}
	return &groth16Strategy{vk: vk}, nil
}

func (g *groth16Strategy) verify(req VerifyRequest) (ok bool, reason string) {
	// A malformed proof must fail the request, never crash the process.
	defer func() {
		if r := recover(); r != nil {
			ok = false
			reason = fmt.Sprintf("verifier panic: %v", r)
		}
	}()

	if len(req.PublicSignals) == 0 {
		return false, "missing public signals"
	}
	if req.PublicSignals[0] != req.Commitment {
		return false, "public signal does not match commitment"
	}

	proofBytes, err := base64.StdEncoding.DecodeString(req.Proof)
	if err != nil {
		return false, fmt.Sprintf("decode proof: %v", err)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return false, fmt.Sprintf("read proof: %v", err)
	}

	public, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return false, fmt.Sprintf("new witness: %v", err)
	}
	values := make(chan any, len(req.PublicSignals))
	for _, signal := range req.PublicSignals {
		// Signals arrive as decimal field elements; hex commitments are
		// accepted as a fallback.
		v, parsed := new(big.Int).SetString(signal, 10)
		if !parsed {
			v, parsed = new(big.Int).SetString(signal, 16)
		}
		if !parsed {
			return false, fmt.Sprintf("public signal %q is not an integer", signal)
		}
		values <- v
	}
	close(values)
	if err := public.Fill(len(req.PublicSignals), 0, values); err != nil {
		return false, fmt.Sprintf("fill witness: %v", err)
	}

	if err := groth16.Verify(proof, g.vk, public); err != nil {
		return false, fmt.Sprintf("groth16 verify: %v", err)
	}
	return true, "groth16 proof verified"
}
