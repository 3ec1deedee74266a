package ltm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ai-change-the-world/autoagent/runtime/agent/engine"
)

// RecoveryCache implements engine.RecoveryLookup and engine.RecoveryRecorder
// on top of Redis (SPEC_FULL.md §B), giving smart retry (spec.md §4.5.1) a
// fast shared cache of past error recoveries in front of each user's
// filesystem-backed semantic memory. Entries are keyed by the tool name and
// a hash of the exact error message, so a lookup finds only recoveries
// recorded for the same tool with identical error text; messages that differ
// in any character do not share a record.
type RecoveryCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	// promoteAfter is the number of successful recoveries of the same
	// (tool, error message) key required before a cached classification is
	// served to future lookups (SPEC_FULL.md §C.4: "at least twice").
	promoteAfter int
}

// RecoveryCacheOptions configures a RecoveryCache.
type RecoveryCacheOptions struct {
	Client *redis.Client
	// KeyPrefix namespaces cache keys, defaulting to "ltm:recovery:".
	KeyPrefix string
	// TTL bounds how long a recorded recovery remains eligible for lookup.
	// Zero disables expiry.
	TTL time.Duration
	// PromoteAfter is the two-strikes threshold; zero defaults to 2.
	PromoteAfter int
}

// NewRecoveryCache constructs a RecoveryCache.
func NewRecoveryCache(opts RecoveryCacheOptions) (*RecoveryCache, error) {
	if opts.Client == nil {
		return nil, errors.New("ltm: redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "ltm:recovery:"
	}
	promoteAfter := opts.PromoteAfter
	if promoteAfter <= 0 {
		promoteAfter = 2
	}
	return &RecoveryCache{client: opts.Client, prefix: prefix, ttl: opts.TTL, promoteAfter: promoteAfter}, nil
}

type recoveryEntry struct {
	Class          engine.ErrorClass `json:"class"`
	IsRecoverable  bool               `json:"is_recoverable"`
	RootCause      string             `json:"root_cause"`
	ParameterPatch map[string]any     `json:"parameter_patch,omitempty"`
	Successes      int                `json:"successes"`
}

func (c *RecoveryCache) key(tool, errMessage string) string {
	return fmt.Sprintf("%s%s:%s", c.prefix, tool, classifyErrorTypeHint(errMessage))
}

// FindRecovery implements engine.RecoveryLookup. It only surfaces a cached
// classification once the (tool, error message) key has cleared the two-strikes
// promotion threshold, so a single lucky recovery is not enough evidence
// (SPEC_FULL.md §C.4).
func (c *RecoveryCache) FindRecovery(ctx context.Context, tool, errMessage string) (engine.Classification, bool) {
	raw, err := c.client.Get(ctx, c.key(tool, errMessage)).Result()
	if err != nil {
		return engine.Classification{}, false
	}
	var entry recoveryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return engine.Classification{}, false
	}
	if entry.Successes < c.promoteAfter {
		return engine.Classification{}, false
	}
	return engine.Classification{
		Class:          entry.Class,
		IsRecoverable:  entry.IsRecoverable,
		RootCause:      entry.RootCause,
		ParameterPatch: entry.ParameterPatch,
	}, true
}

// RecordRecovery implements engine.RecoveryRecorder (spec.md §4.5.1: "On a
// successful recovery, the engine records the tuple to long-term memory for
// future lookup"). It increments the success counter for this (tool,
// error message) key so promotion can be evaluated on the next lookup.
func (c *RecoveryCache) RecordRecovery(ctx context.Context, tool, errMessage string, originalParams, fixedParams map[string]any) {
	key := c.key(tool, errMessage)

	var entry recoveryEntry
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &entry)
	}
	entry.Successes++
	entry.Class = engine.ErrorParameter
	entry.IsRecoverable = true
	entry.RootCause = errMessage
	entry.ParameterPatch = fixedParams

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.client.Set(ctx, key, data, c.ttl)
}

// classifyErrorTypeHint returns the hex FNV-32 hash of the exact error
// message for the cache key. It does not bucket messages by error type: two
// messages that differ in any byte get different keys.
func classifyErrorTypeHint(errMessage string) string {
	hash := fnv32(errMessage)
	return fmt.Sprintf("%x", hash)
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
