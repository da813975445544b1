// Package consensus implements the two multi-party decision mechanisms used
// when a guarded action escalates: threshold signature collection over a
// fixed signer set, and majority critic review.
//
// Both collectors serialize mutation per decision and transition to a
// terminal status exactly once; no terminal state ever reverts.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/Veridian-Labs/aegis/core/pkg/canonicalize"
)

// SignatureStatus is the lifecycle state of a signature collection.
type SignatureStatus string

const (
	SignaturesPending   SignatureStatus = "PENDING"
	SignaturesCollected SignatureStatus = "COLLECTED"
	SignaturesExpired   SignatureStatus = "EXPIRED"
	SignaturesRejected  SignatureStatus = "REJECTED"
)

// Signature is one signer's approval of a decision.
//
// AuditTag is a deterministic digest of signer id, signing time, and the
// constitutional hash. It is an audit correlation tag, not a cryptographic
// signature: anyone holding the public constitutional hash can produce it.
type Signature struct {
	SignerID   string    `json:"signer_id"`
	AuditTag   string    `json:"signature_hash"`
	SignedAt   time.Time `json:"signed_at"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Confidence float64   `json:"confidence"`
}

// NewSignature builds an immutable Signature with its audit tag.
func NewSignature(signerID, reasoning string, confidence float64, constitutionalHash string, signedAt time.Time) Signature {
	tag := canonicalize.HashBytes([]byte(fmt.Sprintf("%s|%d|%s", signerID, signedAt.UnixNano(), constitutionalHash)))
	return Signature{
		SignerID:   signerID,
		AuditTag:   "sha256:" + tag,
		SignedAt:   signedAt,
		Reasoning:  reasoning,
		Confidence: clampConfidence(confidence),
	}
}

// Rejection records one signer refusing to sign.
type Rejection struct {
	SignerID   string    `json:"signer_id"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// SignatureResult tracks one decision requiring multi-party sign-off.
// All derived fields are recomputed after every mutation; callers must not
// set them directly.
type SignatureResult struct {
	DecisionID      string          `json:"decision_id"`
	Status          SignatureStatus `json:"status"`
	RequiredSigners []string        `json:"required_signers"`
	RequiredCount   int             `json:"required_count"`
	Threshold       float64         `json:"threshold"` // fraction of required signers, 1.0 = unanimous
	Signatures      []Signature     `json:"signatures"`
	Rejections      []Rejection     `json:"rejections,omitempty"`

	// Derived.
	CollectedCount int      `json:"collected_count"`
	MissingSigners []string `json:"missing_signers"`
	RejectedBy     []string `json:"rejected_by,omitempty"`
	IsComplete     bool     `json:"is_complete"`
	IsValid        bool     `json:"is_valid"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the result can no longer change.
func (r *SignatureResult) Terminal() bool {
	return r.Status != SignaturesPending
}

// signatureState is the derived portion of a SignatureResult.
type signatureState struct {
	collectedCount int
	missingSigners []string
	rejectedBy     []string
	isComplete     bool
	isValid        bool
}

// deriveSignatureState recomputes all derived fields from the authoritative
// inputs. It is pure: same inputs, same derived state.
func deriveSignatureState(signatures []Signature, rejections []Rejection, requiredSigners []string, threshold float64) signatureState {
	signed := make(map[string]bool, len(signatures))
	for _, sig := range signatures {
		signed[sig.SignerID] = true
	}

	missing := make([]string, 0)
	for _, signer := range requiredSigners {
		if !signed[signer] {
			missing = append(missing, signer)
		}
	}

	rejectedBy := make([]string, 0, len(rejections))
	for _, rej := range rejections {
		rejectedBy = append(rejectedBy, rej.SignerID)
	}

	requiredCount := len(requiredSigners)
	complete := false
	if requiredCount > 0 {
		complete = float64(len(signatures))/float64(requiredCount) >= threshold
	}

	return signatureState{
		collectedCount: len(signatures),
		missingSigners: missing,
		rejectedBy:     rejectedBy,
		isComplete:     complete,
		// A rejection can never be out-voted by later signatures.
		isValid: complete && len(rejections) == 0,
	}
}

func (r *SignatureResult) applyDerived(s signatureState) {
	r.CollectedCount = s.collectedCount
	r.MissingSigners = s.missingSigners
	r.RejectedBy = s.rejectedBy
	r.IsComplete = s.isComplete
	r.IsValid = s.isValid
}

// SignatureCollector manages signature collections by decision id.
type SignatureCollector struct {
	mu      sync.Mutex
	results map[string]*SignatureResult
	clock   func() time.Time
}

// NewSignatureCollector creates an empty collector.
func NewSignatureCollector() *SignatureCollector {
	return &SignatureCollector{
		results: make(map[string]*SignatureResult),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *SignatureCollector) WithClock(clock func() time.Time) *SignatureCollector {
	c.clock = clock
	return c
}

// Open starts a PENDING collection for a decision.
func (c *SignatureCollector) Open(decisionID string, requiredSigners []string, threshold float64, ttl time.Duration) *SignatureResult {
	if threshold <= 0 || threshold > 1 {
		threshold = 1.0
	}
	now := c.clock()
	result := &SignatureResult{
		DecisionID:      decisionID,
		Status:          SignaturesPending,
		RequiredSigners: append([]string(nil), requiredSigners...),
		RequiredCount:   len(requiredSigners),
		Threshold:       threshold,
		Signatures:      make([]Signature, 0, len(requiredSigners)),
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	result.applyDerived(deriveSignatureState(nil, nil, requiredSigners, threshold))

	c.mu.Lock()
	c.results[decisionID] = result
	c.mu.Unlock()
	return result
}

// Get returns the collection for a decision, if any.
func (c *SignatureCollector) Get(decisionID string) (*SignatureResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[decisionID]
	return r, ok
}

// AddSignature records a signature. It returns false when the signer is not
// in the required set or the collection is already terminal. Re-signing by
// the same signer replaces their prior entry. The collection transitions to
// COLLECTED the instant the threshold is met.
func (c *SignatureCollector) AddSignature(decisionID string, sig Signature) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, ok := c.results[decisionID]
	if !ok || result.Terminal() {
		return false
	}
	if !contains(result.RequiredSigners, sig.SignerID) {
		return false
	}

	replaced := false
	for i := range result.Signatures {
		if result.Signatures[i].SignerID == sig.SignerID {
			result.Signatures[i] = sig
			replaced = true
			break
		}
	}
	if !replaced {
		result.Signatures = append(result.Signatures, sig)
	}

	derived := deriveSignatureState(result.Signatures, result.Rejections, result.RequiredSigners, result.Threshold)
	result.applyDerived(derived)

	if derived.isComplete {
		now := c.clock()
		result.Status = SignaturesCollected
		result.CompletedAt = &now
	}
	return true
}

// Reject records a required signer refusing the decision and forces the
// terminal REJECTED status. Rejection always wins over an in-flight
// threshold count, but a round that already concluded stays concluded:
// a late rejection against a COLLECTED round is refused.
func (c *SignatureCollector) Reject(decisionID, signerID, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, ok := c.results[decisionID]
	if !ok || result.Terminal() {
		return false
	}
	if !contains(result.RequiredSigners, signerID) {
		return false
	}

	result.Rejections = append(result.Rejections, Rejection{
		SignerID:   signerID,
		Reason:     reason,
		RejectedAt: c.clock(),
	})
	result.applyDerived(deriveSignatureState(result.Signatures, result.Rejections, result.RequiredSigners, result.Threshold))

	result.Status = SignaturesRejected
	result.IsValid = false
	now := c.clock()
	result.CompletedAt = &now
	return true
}

// ExpireOverdue marks every pending collection past its deadline as EXPIRED
// and returns the expired results.
func (c *SignatureCollector) ExpireOverdue() []*SignatureResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	var expired []*SignatureResult
	for _, result := range c.results {
		if result.Status != SignaturesPending {
			continue
		}
		if now.After(result.ExpiresAt) {
			result.Status = SignaturesExpired
			completedAt := now
			result.CompletedAt = &completedAt
			expired = append(expired, result)
		}
	}
	return expired
}

// PendingCount returns the number of open collections.
func (c *SignatureCollector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, result := range c.results {
		if result.Status == SignaturesPending {
			count++
		}
	}
	return count
}

func contains(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
