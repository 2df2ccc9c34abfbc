// Package anonverify issues and verifies anonymous commitments: one-way
// hashes binding an agent identity and secret to a public value. Successful
// verification returns the permission/tier snapshot captured at
// registration, never a fresh identity lookup.
package anonverify

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const saltBytes = 32

// ComputeCommitment derives the public commitment for an identity triple.
func ComputeCommitment(agentID, secret, salt string) string {
	sum := sha256.Sum256([]byte(agentID + ":" + secret + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// newSalt returns a fresh random hex salt. The salt is handed to the caller
// exactly once and never persisted.
func newSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate commitment salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
