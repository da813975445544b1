package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultRemoteTimeout = 5 * time.Second
	defaultPathPrefix    = "/v1/data"
)

// RemoteConfig configures the remote decision-engine adapter.
type RemoteConfig struct {
	// URL is the base URL of the decision engine.
	URL string `yaml:"url" json:"url"`
	// PathPrefix is prepended to the policy path. Default: "/v1/data".
	PathPrefix string `yaml:"path_prefix" json:"path_prefix,omitempty"`
	// Timeout bounds each evaluation call. Default: 5s.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	// PolicyVersion is a human-readable identifier for the loaded bundle.
	PolicyVersion string `yaml:"policy_version" json:"policy_version,omitempty"`
}

// RemoteEngine evaluates against an external decision engine over its REST
// data API. Strict fail-closed semantics: any error, timeout, or non-200
// response results in a DENY with an error code in metadata.
type RemoteEngine struct {
	config     RemoteConfig
	client     *http.Client
	policyHash string
}

// NewRemoteEngine creates a remote-backed decision point.
func NewRemoteEngine(cfg RemoteConfig) *RemoteEngine {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = defaultPathPrefix
	}
	return &RemoteEngine{
		config:     cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		policyHash: fmt.Sprintf("sha256:remote:%s", cfg.PolicyVersion),
	}
}

type remoteRequest struct {
	Input map[string]any `json:"input"`
}

type remoteResponse struct {
	Result *remoteResult `json:"result"`
}

type remoteResult struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Evaluate implements DecisionPoint. Fail-closed on all errors.
func (r *RemoteEngine) Evaluate(ctx context.Context, input map[string]any, policyPath string) (*DecisionResponse, error) {
	payload, err := json.Marshal(remoteRequest{Input: input})
	if err != nil {
		return r.denyRemote("engine request marshal failed", err.Error()), nil
	}

	url := r.config.URL + r.config.PathPrefix + "/" + policyPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return r.denyRemote("engine request construction failed", err.Error()), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		// Timeout, connection refused, DNS failure: the decision
		// authority is unavailable, which is itself grounds for denial.
		return r.denyRemote("decision engine unreachable", err.Error()), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return r.denyRemote(fmt.Sprintf("decision engine returned HTTP %d", resp.StatusCode), ""), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.denyRemote("engine response read failed", err.Error()), nil
	}

	var engineResp remoteResponse
	if err := json.Unmarshal(body, &engineResp); err != nil {
		return r.denyRemote("engine response parse failed", err.Error()), nil
	}
	if engineResp.Result == nil {
		return r.denyRemote("engine returned no result for policy path", ""), nil
	}

	reason := engineResp.Result.Reason
	if reason == "" {
		if engineResp.Result.Allow {
			reason = "allowed by policy"
		} else {
			reason = "denied by policy"
		}
	}

	decision := &DecisionResponse{
		Allowed: engineResp.Result.Allow,
		Reason:  reason,
		Metadata: map[string]any{
			"backend":     string(BackendRemote),
			"policy_path": policyPath,
		},
	}
	if hash, err := ComputeDecisionHash(decision); err == nil {
		decision.DecisionHash = hash
	}
	return decision, nil
}

// Backend implements DecisionPoint.
func (r *RemoteEngine) Backend() Backend { return BackendRemote }

// PolicyHash implements DecisionPoint.
func (r *RemoteEngine) PolicyHash() string { return r.policyHash }

// Health probes the engine's health endpoint.
func (r *RemoteEngine) Health(ctx context.Context) EngineHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.URL+"/health", nil)
	if err != nil {
		return EngineUnreachable
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return EngineUnreachable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return EngineHealthy
	case resp.StatusCode >= 500:
		return EngineUnreachable
	default:
		return EngineDegraded
	}
}

func (r *RemoteEngine) denyRemote(reason, errDetail string) *DecisionResponse {
	metadata := map[string]any{
		"backend":  string(BackendRemote),
		"security": "fail-closed",
	}
	if errDetail != "" {
		metadata["error"] = errDetail
	}
	return deny(reason, metadata)
}
