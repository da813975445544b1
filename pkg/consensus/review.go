package consensus

import (
	"sync"
	"time"
)

// ReviewStatus is the lifecycle state of a critic review round.
type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "PENDING"
	ReviewInProgress ReviewStatus = "IN_PROGRESS"
	ReviewApproved   ReviewStatus = "APPROVED"
	ReviewRejected   ReviewStatus = "REJECTED"
	ReviewEscalated  ReviewStatus = "ESCALATED"
)

// ReviewType categorizes what a critic examined.
type ReviewType string

const (
	ReviewGeneral     ReviewType = "general"
	ReviewSafety      ReviewType = "safety"
	ReviewEthics      ReviewType = "ethics"
	ReviewPerformance ReviewType = "performance"
)

// Verdict is a critic's conclusion.
type Verdict string

const (
	VerdictApprove  Verdict = "approve"
	VerdictReject   Verdict = "reject"
	VerdictEscalate Verdict = "escalate"
)

// CriticReview is one critic's assessment of a decision.
type CriticReview struct {
	CriticID        string     `json:"critic_id"`
	ReviewType      ReviewType `json:"review_type"`
	Verdict         Verdict    `json:"verdict"`
	Reasoning       string     `json:"reasoning,omitempty"`
	Confidence      float64    `json:"confidence"`
	Concerns        []string   `json:"concerns,omitempty"`
	Recommendations []string   `json:"recommendations,omitempty"`
	ReviewedAt      time.Time  `json:"reviewed_at"`
}

// ReviewResult tracks one decision under critic review. Tallies, consensus
// fields, and the aggregated concern/recommendation lists are derived and
// recomputed after every mutation.
type ReviewResult struct {
	DecisionID      string       `json:"decision_id"`
	Status          ReviewStatus `json:"status"`
	RequiredCritics []string     `json:"required_critics"`
	ReviewTypes     []ReviewType `json:"review_types,omitempty"`
	Reviews         []CriticReview `json:"reviews"`
	TimeoutSeconds  int          `json:"timeout_seconds"`

	// Derived.
	ApprovalCount       int      `json:"approval_count"`
	RejectionCount      int      `json:"rejection_count"`
	EscalationCount     int      `json:"escalation_count"`
	ConsensusReached    bool     `json:"consensus_reached"`
	ConsensusVerdict    Verdict  `json:"consensus_verdict,omitempty"`
	ConsensusConfidence float64  `json:"consensus_confidence"`
	AllConcerns         []string `json:"all_concerns,omitempty"`
	AllRecommendations  []string `json:"all_recommendations,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the review round has concluded.
func (r *ReviewResult) Terminal() bool {
	switch r.Status {
	case ReviewApproved, ReviewRejected, ReviewEscalated:
		return true
	}
	return false
}

// reviewState is the derived portion of a ReviewResult.
type reviewState struct {
	approvals           int
	rejections          int
	escalations         int
	consensusReached    bool
	consensusVerdict    Verdict
	consensusConfidence float64
	allConcerns         []string
	allRecommendations  []string
}

// deriveReviewState recomputes tallies and consensus. Consensus is only
// evaluated once a quorum of floor(|required|/2)+1 reviews is present (for a
// non-empty required set); the verdict with a strict majority of all reviews
// wins, and its confidence is the mean confidence of the agreeing reviews.
// An exact split reaches no consensus: ambiguity defaults to neither
// approval nor rejection.
func deriveReviewState(reviews []CriticReview, requiredCritics []string) reviewState {
	state := reviewState{}
	for _, review := range reviews {
		switch review.Verdict {
		case VerdictApprove:
			state.approvals++
		case VerdictReject:
			state.rejections++
		case VerdictEscalate:
			state.escalations++
		}
		state.allConcerns = append(state.allConcerns, review.Concerns...)
		state.allRecommendations = append(state.allRecommendations, review.Recommendations...)
	}

	total := len(reviews)
	if total == 0 {
		return state
	}
	if len(requiredCritics) > 0 {
		quorum := len(requiredCritics)/2 + 1
		if total < quorum {
			return state
		}
	}

	majority := total / 2 // strict: count must exceed this
	var winner Verdict
	switch {
	case state.approvals > majority:
		winner = VerdictApprove
	case state.rejections > majority:
		winner = VerdictReject
	case state.escalations > majority:
		winner = VerdictEscalate
	default:
		return state
	}

	var sum float64
	var agreeing int
	for _, review := range reviews {
		if review.Verdict == winner {
			sum += review.Confidence
			agreeing++
		}
	}

	state.consensusReached = true
	state.consensusVerdict = winner
	if agreeing > 0 {
		state.consensusConfidence = sum / float64(agreeing)
	}
	return state
}

func (r *ReviewResult) applyDerived(s reviewState) {
	r.ApprovalCount = s.approvals
	r.RejectionCount = s.rejections
	r.EscalationCount = s.escalations
	r.ConsensusReached = s.consensusReached
	r.ConsensusVerdict = s.consensusVerdict
	r.ConsensusConfidence = s.consensusConfidence
	r.AllConcerns = s.allConcerns
	r.AllRecommendations = s.allRecommendations
}

// ReviewCollector manages review rounds by decision id.
type ReviewCollector struct {
	mu      sync.Mutex
	results map[string]*ReviewResult
	clock   func() time.Time
}

// NewReviewCollector creates an empty collector.
func NewReviewCollector() *ReviewCollector {
	return &ReviewCollector{
		results: make(map[string]*ReviewResult),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *ReviewCollector) WithClock(clock func() time.Time) *ReviewCollector {
	c.clock = clock
	return c
}

// Open starts a PENDING review round for a decision.
func (c *ReviewCollector) Open(decisionID string, requiredCritics []string, reviewTypes []ReviewType, timeoutSeconds int) *ReviewResult {
	result := &ReviewResult{
		DecisionID:      decisionID,
		Status:          ReviewPending,
		RequiredCritics: append([]string(nil), requiredCritics...),
		ReviewTypes:     append([]ReviewType(nil), reviewTypes...),
		Reviews:         make([]CriticReview, 0),
		TimeoutSeconds:  timeoutSeconds,
		CreatedAt:       c.clock(),
	}
	c.mu.Lock()
	c.results[decisionID] = result
	c.mu.Unlock()
	return result
}

// Get returns the review round for a decision, if any.
func (c *ReviewCollector) Get(decisionID string) (*ReviewResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[decisionID]
	return r, ok
}

// AddReview appends a critic's review and re-evaluates consensus. Reviews
// are accepted from any critic, and multiple reviews from the same critic
// all count; deduplication is deliberately not applied here. Returns false
// only for an unknown decision or a round that already concluded.
func (c *ReviewCollector) AddReview(decisionID string, review CriticReview) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, ok := c.results[decisionID]
	if !ok || result.Terminal() {
		return false
	}

	review.Confidence = clampConfidence(review.Confidence)
	result.Reviews = append(result.Reviews, review)
	result.Status = ReviewInProgress

	derived := deriveReviewState(result.Reviews, result.RequiredCritics)
	result.applyDerived(derived)

	if derived.consensusReached {
		switch derived.consensusVerdict {
		case VerdictApprove:
			result.Status = ReviewApproved
		case VerdictReject:
			result.Status = ReviewRejected
		case VerdictEscalate:
			result.Status = ReviewEscalated
		}
		now := c.clock()
		result.CompletedAt = &now
	}
	return true
}
