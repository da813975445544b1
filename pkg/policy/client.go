package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Veridian-Labs/aegis/core/pkg/canonicalize"
)

// governanceInputSchema validates the shape of every evaluation input
// before it reaches a decision engine.
const governanceInputSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"action": {"type": "string"},
		"resource": {"type": "string"},
		"constitutional_hash": {"type": "string"},
		"context": {"type": "object"}
	},
	"required": ["agent_id"]
}`

// ClientConfig configures the evaluation client.
type ClientConfig struct {
	// ExpectedConstitutionalHash is the process-wide reference hash every
	// input must carry. Mismatch denies without any remote call.
	ExpectedConstitutionalHash string
	// CacheTTL bounds how long an evaluation result may be served from
	// cache. Zero disables caching.
	CacheTTL time.Duration
}

// Client is the policy evaluation client. Safe for unlimited concurrent
// callers; the cache is the only shared mutable state.
type Client struct {
	engine   DecisionPoint
	cache    Cache
	cfg      ClientConfig
	schema   *jsonschema.Schema
	logger   *slog.Logger
	cacheHit atomic.Uint64
	cacheMis atomic.Uint64
}

// NewClient constructs an evaluation client around the given engine.
// cache may be nil to disable caching.
func NewClient(engine DecisionPoint, cache Cache, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if engine == nil {
		return nil, fmt.Errorf("policy: decision engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := jsonschema.CompileString("governance_input.json", governanceInputSchema)
	if err != nil {
		return nil, fmt.Errorf("policy: compile input schema: %w", err)
	}
	return &Client{
		engine: engine,
		cache:  cache,
		cfg:    cfg,
		schema: schema,
		logger: logger,
	}, nil
}

// Backend returns the backend of the configured engine.
func (c *Client) Backend() Backend { return c.engine.Backend() }

// CacheKey derives the cache key for an input document and policy path.
// The input is serialized canonically, so equal documents supplied with
// differing key order hash identically.
func CacheKey(policyPath string, input map[string]any) (string, error) {
	hash, err := canonicalize.CanonicalHash(input)
	if err != nil {
		return "", fmt.Errorf("policy: cache key canonicalization: %w", err)
	}
	return policyPath + ":" + hash, nil
}

// Evaluate runs the full evaluation pipeline: constitutional-hash gate,
// input schema validation, cache lookup, engine call, cache fill. It never
// returns an allow on failure of any stage.
func (c *Client) Evaluate(ctx context.Context, input map[string]any, policyPath string) (*DecisionResponse, error) {
	// Constitutional gate first: on mismatch no remote call is made and
	// no cache lookup occurs.
	supplied, _ := input["constitutional_hash"].(string)
	if supplied == "" || supplied != c.cfg.ExpectedConstitutionalHash {
		c.logger.Warn("constitutional hash mismatch",
			"policy_path", policyPath,
			"supplied", supplied)
		return deny("Constitutional hash mismatch", map[string]any{
			"security": "fail-closed",
		}), nil
	}

	if err := c.schema.Validate(toJSONValue(input)); err != nil {
		return deny("input schema violation", map[string]any{
			"security": "fail-closed",
			"error":    err.Error(),
		}), nil
	}

	var cacheKey string
	if c.cache != nil && c.cfg.CacheTTL > 0 {
		key, err := CacheKey(policyPath, input)
		if err == nil {
			cacheKey = key
			if resp, ok := c.cache.Get(ctx, cacheKey); ok {
				c.cacheHit.Add(1)
				return resp, nil
			}
			c.cacheMis.Add(1)
		}
	}

	resp, err := c.engine.Evaluate(ctx, input, policyPath)
	if err != nil {
		// Engines are fail-closed themselves; a returned error is a
		// programming-level surprise, still mapped to deny.
		c.logger.Error("decision engine error",
			"backend", string(c.engine.Backend()),
			"policy_path", policyPath,
			"error", err)
		return deny("policy evaluation error", map[string]any{
			"security": "fail-closed",
			"error":    err.Error(),
		}), nil
	}

	if cacheKey != "" {
		c.cache.Set(ctx, cacheKey, resp, c.cfg.CacheTTL)
	}
	return resp, nil
}

// CheckAuthorization is a thin boolean wrapper over Evaluate with the same
// fail-closed behavior. It derives the input document, supplying the
// process-wide constitutional hash.
func (c *Client) CheckAuthorization(ctx context.Context, agentID, action, resource string, actionContext map[string]any) bool {
	input := map[string]any{
		"agent_id":            agentID,
		"action":              action,
		"resource":            resource,
		"constitutional_hash": c.cfg.ExpectedConstitutionalHash,
	}
	if actionContext != nil {
		input["context"] = actionContext
	}
	resp, err := c.Evaluate(ctx, input, "governance/authz")
	if err != nil || resp == nil {
		return false
	}
	return resp.Allowed
}

// CacheStats reports cache hit/miss counts for the operator surface.
func (c *Client) CacheStats() (hits, misses uint64) {
	return c.cacheHit.Load(), c.cacheMis.Load()
}

// toJSONValue normalizes a document for schema validation; the validator
// only accepts the generic decoded JSON type set.
func toJSONValue(input map[string]any) any {
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return input
	}
	return generic
}
