// Package conflict decides how a local mutation is reconciled with a
// diverging remote record.
package conflict

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"offsync/internal/models"
)

// Strategy names a built-in resolution behavior.
type Strategy string

const (
	// StrategyClientWins keeps the local payload untouched.
	StrategyClientWins Strategy = "client-wins"

	// StrategyServerWins replaces the local payload with the remote one.
	StrategyServerWins Strategy = "server-wins"

	// StrategyTimestampWins picks whichever side was updated last; local wins ties.
	StrategyTimestampWins Strategy = "timestamp-wins"

	// StrategyMerge shallow-merges remote overlaid by local fields.
	StrategyMerge Strategy = "merge"

	// StrategySmartMerge starts from remote and restores named local fields.
	StrategySmartMerge Strategy = "smart-merge"

	// StrategyVersionBased picks the higher version and bumps it by one.
	StrategyVersionBased Strategy = "version-based"

	// StrategyManual refuses automatic resolution; the operation stays in conflict.
	StrategyManual Strategy = "manual"

	// StrategyKeepBoth keeps local data and embeds the remote copy as metadata.
	StrategyKeepBoth Strategy = "keep-both"

	// StrategyCustom delegates to a caller-supplied function.
	StrategyCustom Strategy = "custom"
)

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyTimestampWins,
		StrategyMerge, StrategySmartMerge, StrategyVersionBased,
		StrategyManual, StrategyKeepBoth, StrategyCustom:
		return true
	default:
		return false
	}
}

func (s Strategy) String() string { return string(s) }

// RemoteState is the remote store's view of the contested record, as reported
// by the transport adapter alongside a conflict outcome.
type RemoteState struct {
	// Exists is false when the record was deleted remotely.
	Exists bool
	// Payload is the remote record body, typically a JSON object.
	Payload json.RawMessage
}

// ResolveFunc is a caller-supplied resolution for StrategyCustom.
type ResolveFunc func(local models.Operation, remote RemoteState) (json.RawMessage, error)

// Resolver applies one strategy at a time; the strategy may be swapped at
// runtime between cycles.
type Resolver struct {
	mu        sync.RWMutex
	strategy  Strategy
	preserved []string
	custom    ResolveFunc

	now func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPreservedFields names the local fields smart-merge keeps.
func WithPreservedFields(fields ...string) Option {
	return func(r *Resolver) { r.preserved = append([]string(nil), fields...) }
}

// WithCustomFunc installs the function used by StrategyCustom.
func WithCustomFunc(fn ResolveFunc) Option {
	return func(r *Resolver) { r.custom = fn }
}

func withClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver for the given strategy.
func NewResolver(strategy Strategy, opts ...Option) (*Resolver, error) {
	if !strategy.IsValid() {
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	r := &Resolver{strategy: strategy, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	if strategy == StrategyCustom && r.custom == nil {
		return nil, fmt.Errorf("strategy %q requires a resolve function", StrategyCustom)
	}
	return r, nil
}

// Name returns the active strategy name.
func (r *Resolver) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.strategy)
}

// Use swaps the active strategy.
func (r *Resolver) Use(strategy Strategy, opts ...Option) error {
	if !strategy.IsValid() {
		return fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategy
	for _, opt := range opts {
		opt(r)
	}
	if strategy == StrategyCustom && r.custom == nil {
		return fmt.Errorf("strategy %q requires a resolve function", StrategyCustom)
	}
	return nil
}

// Resolve produces the payload that supersedes the conflicted operation.
// Every built-in strategy except manual is total: it returns a payload for
// any pair of well-formed inputs. A manual (or failing custom) resolution
// returns an error and the entity stays in conflict.
func (r *Resolver) Resolve(local models.Operation, remote RemoteState) (json.RawMessage, error) {
	r.mu.RLock()
	strategy := r.strategy
	preserved := r.preserved
	custom := r.custom
	nowMillis := r.now().UnixMilli()
	r.mu.RUnlock()

	switch strategy {
	case StrategyClientWins:
		return setField(local.Payload, "updated_at", nowMillis), nil

	case StrategyServerWins:
		return setField(remote.Payload, "updated_at", nowMillis), nil

	case StrategyTimestampWins:
		localTS := timestampOf(local.Payload)
		remoteTS := timestampOf(remote.Payload)
		if localTS >= remoteTS {
			return setField(local.Payload, "updated_at", nowMillis), nil
		}
		return setField(remote.Payload, "updated_at", nowMillis), nil

	case StrategyMerge:
		localObj, lok := asObject(local.Payload)
		remoteObj, rok := asObject(remote.Payload)
		if !lok || !rok {
			// Non-object payloads cannot be merged field-wise; keep local.
			return local.Payload, nil
		}
		merged := make(map[string]interface{}, len(localObj)+len(remoteObj))
		for k, v := range remoteObj {
			merged[k] = v
		}
		for k, v := range localObj {
			merged[k] = v
		}
		merged["updated_at"] = nowMillis
		return mustMarshal(merged), nil

	case StrategySmartMerge:
		localObj, lok := asObject(local.Payload)
		remoteObj, rok := asObject(remote.Payload)
		if !rok {
			return local.Payload, nil
		}
		if !lok {
			return remote.Payload, nil
		}
		merged := make(map[string]interface{}, len(remoteObj))
		for k, v := range remoteObj {
			merged[k] = v
		}
		for _, field := range preserved {
			if v, ok := localObj[field]; ok {
				merged[field] = v
			}
		}
		merged["updated_at"] = nowMillis
		return mustMarshal(merged), nil

	case StrategyVersionBased:
		localVer := numberField(local.Payload, "version")
		remoteVer := numberField(remote.Payload, "version")
		if localVer > remoteVer {
			return setField(local.Payload, "version", localVer+1), nil
		}
		return setField(remote.Payload, "version", remoteVer+1), nil

	case StrategyKeepBoth:
		obj, ok := asObject(local.Payload)
		if !ok {
			obj = map[string]interface{}{"value": json.RawMessage(local.Payload)}
		}
		if remote.Payload != nil {
			obj["_remote"] = json.RawMessage(remote.Payload)
		}
		obj["_conflict_resolved_at"] = nowMillis
		return mustMarshal(obj), nil

	case StrategyCustom:
		return custom(local, remote)

	case StrategyManual:
		return nil, models.ErrManualResolutionRequired

	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// timestampOf extracts the record timestamp from a JSON payload: updated_at
// first, then timestamp, then zero.
func timestampOf(payload json.RawMessage) float64 {
	obj, ok := asObject(payload)
	if !ok {
		return 0
	}
	if v, ok := obj["updated_at"].(float64); ok {
		return v
	}
	if v, ok := obj["timestamp"].(float64); ok {
		return v
	}
	return 0
}

func numberField(payload json.RawMessage, field string) float64 {
	obj, ok := asObject(payload)
	if !ok {
		return 0
	}
	v, _ := obj[field].(float64)
	return v
}

func asObject(payload json.RawMessage) (map[string]interface{}, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// setField returns payload with one field replaced. Non-object payloads are
// returned unchanged.
func setField(payload json.RawMessage, field string, value interface{}) json.RawMessage {
	obj, ok := asObject(payload)
	if !ok {
		return payload
	}
	obj[field] = value
	return mustMarshal(obj)
}

func mustMarshal(obj map[string]interface{}) json.RawMessage {
	raw, err := json.Marshal(obj)
	if err != nil {
		// Maps built from unmarshaled JSON plus scalars always re-marshal.
		panic(fmt.Sprintf("conflict: marshal resolved payload: %v", err))
	}
	return raw
}
