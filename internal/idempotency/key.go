// Package idempotency derives canonical keys and digests for workflow runs.
package idempotency

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Digest returns the sha256 hex digest of v's RFC 8785 canonical JSON form.
func Digest(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Key derives the idempotency key for executing a workflow with input on
// behalf of a tenant and user. Key order and number formatting of input do
// not affect the result.
func Key(workflowID, version, tenantID, userID string, input map[string]interface{}) (string, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	d, err := Digest(map[string]interface{}{
		"workflow_id": workflowID,
		"version":     version,
		"tenant_id":   tenantID,
		"user_id":     userID,
		"input":       input,
	})
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: %w", err)
	}
	return "idem_" + d, nil
}

// InputsHash is the canonical digest of a workflow input.
func InputsHash(input map[string]interface{}) (string, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	return Digest(input)
}

// ResultKey is the cache key under which a workflow's result for an input is stored.
func ResultKey(workflowID, inputsHash string) string {
	return workflowID + ":" + inputsHash
}

// NewRunID returns run_<unix>_<hex8>.
func NewRunID(now time.Time) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("run_%d_%08x", now.Unix(), now.UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("run_%d_%s", now.Unix(), hex.EncodeToString(b[:]))
}

// RecordID is the id of the result record written for a run.
func RecordID(runID string) string { return "res_result_" + runID }
