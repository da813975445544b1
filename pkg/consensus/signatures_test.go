package consensus

import (
	"testing"
	"time"
)

const testHash = "const-sha256:f00d"

func testSignature(signerID string, at time.Time) Signature {
	return NewSignature(signerID, "looks safe", 0.9, testHash, at)
}

func TestSignatures_UnanimousThreshold(t *testing.T) {
	now := time.Now()
	c := NewSignatureCollector().WithClock(func() time.Time { return now })
	c.Open("dec-1", []string{"A", "B", "C"}, 1.0, time.Hour)

	if !c.AddSignature("dec-1", testSignature("A", now)) {
		t.Fatal("A should be accepted")
	}
	if !c.AddSignature("dec-1", testSignature("B", now)) {
		t.Fatal("B should be accepted")
	}

	result, _ := c.Get("dec-1")
	if result.IsComplete {
		t.Error("unanimous threshold not met with 2 of 3")
	}
	if result.Status != SignaturesPending {
		t.Errorf("got %s, want PENDING", result.Status)
	}
	if len(result.MissingSigners) != 1 || result.MissingSigners[0] != "C" {
		t.Errorf("missing signers = %v, want [C]", result.MissingSigners)
	}

	c.AddSignature("dec-1", testSignature("C", now))
	result, _ = c.Get("dec-1")
	if !result.IsComplete || !result.IsValid {
		t.Error("all signatures present, result should be complete and valid")
	}
	if result.Status != SignaturesCollected {
		t.Errorf("got %s, want COLLECTED", result.Status)
	}
	if result.CompletedAt == nil {
		t.Error("completed_at must be stamped at collection")
	}
}

func TestSignatures_PartialThreshold(t *testing.T) {
	now := time.Now()
	c := NewSignatureCollector().WithClock(func() time.Time { return now })
	c.Open("dec-2", []string{"A", "B", "C", "D"}, 0.5, time.Hour)

	c.AddSignature("dec-2", testSignature("A", now))
	result, _ := c.Get("dec-2")
	if result.IsComplete {
		t.Error("1/4 below 0.5 threshold")
	}

	c.AddSignature("dec-2", testSignature("C", now))
	result, _ = c.Get("dec-2")
	if !result.IsComplete {
		t.Error("2/4 meets 0.5 threshold")
	}
}

func TestSignatures_RejectionDominance(t *testing.T) {
	now := time.Now()
	c := NewSignatureCollector().WithClock(func() time.Time { return now })
	c.Open("dec-3", []string{"A", "B", "C"}, 1.0, time.Hour)

	c.AddSignature("dec-3", testSignature("A", now))
	c.AddSignature("dec-3", testSignature("C", now))

	// B rejects with the count still in flight: the round turns REJECTED
	// no matter how many signatures were already collected.
	if !c.Reject("dec-3", "B", "changed my mind") {
		t.Fatal("rejection by a required signer must be recorded")
	}
	result, _ := c.Get("dec-3")
	if result.IsValid {
		t.Error("rejection can never be out-voted")
	}
	if result.Status != SignaturesRejected {
		t.Errorf("got %s, want REJECTED", result.Status)
	}
	if len(result.RejectedBy) != 1 || result.RejectedBy[0] != "B" {
		t.Errorf("rejected_by = %v", result.RejectedBy)
	}

	// Terminal state never reverts.
	if c.AddSignature("dec-3", testSignature("B", now)) {
		t.Error("signatures after rejection must be refused")
	}
}

func TestSignatures_CollectedRoundRefusesLateRejection(t *testing.T) {
	now := time.Now()
	c := NewSignatureCollector().WithClock(func() time.Time { return now })
	c.Open("dec-9", []string{"A", "B"}, 1.0, time.Hour)

	c.AddSignature("dec-9", testSignature("A", now))
	c.AddSignature("dec-9", testSignature("B", now))
	result, _ := c.Get("dec-9")
	if result.Status != SignaturesCollected {
		t.Fatalf("setup: got %s", result.Status)
	}

	if c.Reject("dec-9", "A", "second thoughts") {
		t.Fatal("rejection against a concluded round must be refused")
	}
	result, _ = c.Get("dec-9")
	if result.Status != SignaturesCollected || !result.IsValid {
		t.Errorf("terminal COLLECTED state must not revert, got %s", result.Status)
	}
}

func TestSignatures_UnknownSignerRefused(t *testing.T) {
	c := NewSignatureCollector()
	c.Open("dec-4", []string{"A"}, 1.0, time.Hour)

	if c.AddSignature("dec-4", testSignature("Z", time.Now())) {
		t.Error("signer outside the required set must be refused")
	}
	if c.Reject("dec-4", "Z", "not my call") {
		t.Error("rejection from outside the required set must be refused")
	}
}

func TestSignatures_ResignReplacesPriorEntry(t *testing.T) {
	now := time.Now()
	c := NewSignatureCollector().WithClock(func() time.Time { return now })
	c.Open("dec-5", []string{"A", "B"}, 1.0, time.Hour)

	c.AddSignature("dec-5", testSignature("A", now))
	c.AddSignature("dec-5", NewSignature("A", "updated reasoning", 0.5, testHash, now.Add(time.Minute)))

	result, _ := c.Get("dec-5")
	if result.CollectedCount != 1 || len(result.Signatures) != 1 {
		t.Fatalf("re-sign must replace, got %d signatures", len(result.Signatures))
	}
	if result.Signatures[0].Reasoning != "updated reasoning" {
		t.Error("latest signature should win")
	}
}

func TestSignatures_Expiry(t *testing.T) {
	now := time.Now()
	c := NewSignatureCollector().WithClock(func() time.Time { return now })
	c.Open("dec-6", []string{"A", "B"}, 1.0, time.Minute)

	now = now.Add(2 * time.Minute)
	expired := c.ExpireOverdue()
	if len(expired) != 1 || expired[0].DecisionID != "dec-6" {
		t.Fatalf("expected dec-6 expired, got %v", expired)
	}
	result, _ := c.Get("dec-6")
	if result.Status != SignaturesExpired {
		t.Errorf("got %s, want EXPIRED", result.Status)
	}
	if c.AddSignature("dec-6", testSignature("A", now)) {
		t.Error("expired collection must refuse signatures")
	}
}

func TestDeriveSignatureState_Pure(t *testing.T) {
	sigs := []Signature{testSignature("A", time.Now())}
	required := []string{"A", "B"}

	first := deriveSignatureState(sigs, nil, required, 1.0)
	second := deriveSignatureState(sigs, nil, required, 1.0)

	if first.collectedCount != second.collectedCount ||
		first.isComplete != second.isComplete ||
		len(first.missingSigners) != len(second.missingSigners) {
		t.Error("derived state must be a pure function of its inputs")
	}
	if first.isComplete {
		t.Error("1/2 with unanimous threshold is incomplete")
	}
	if len(first.missingSigners) != 1 || first.missingSigners[0] != "B" {
		t.Errorf("missing = %v", first.missingSigners)
	}
}

func TestSignatureAuditTag_Deterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	s1 := NewSignature("A", "", 1.0, testHash, at)
	s2 := NewSignature("A", "", 1.0, testHash, at)
	if s1.AuditTag != s2.AuditTag {
		t.Error("audit tag must be deterministic for identical inputs")
	}
	s3 := NewSignature("B", "", 1.0, testHash, at)
	if s1.AuditTag == s3.AuditTag {
		t.Error("audit tag must differ across signers")
	}
}
