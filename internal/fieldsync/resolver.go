package fieldsync

import (
	"fmt"
	"strings"
)

// ConflictResolver decides whether a client write contends with the current
// server record. Implementations must be pure.
type ConflictResolver interface {
	Detect(server SyncRecord, op SyncOperation) ConflictDecision
}

// Merger is implemented by resolvers that can answer MERGE_REQUIRED. Merge
// returns the subset of the client payload that should still be written.
type Merger interface {
	Merge(server SyncRecord, op SyncOperation) (map[string]any, error)
}

type ConflictPolicy string

const (
	PolicyServerWins ConflictPolicy = "server_wins"
	PolicyClientWins ConflictPolicy = "client_wins"
	PolicyMerge      ConflictPolicy = "merge"
	PolicyVersion    ConflictPolicy = "version"
)

type Side string

const (
	SideServer Side = "server"
	SideClient Side = "client"
)

type ResolverOptions struct {
	Policy        ConflictPolicy
	FieldPriority map[string]Side
	DefaultSide   Side
}

func NewResolver(opts ResolverOptions) (ConflictResolver, error) {
	policy := ConflictPolicy(strings.ToLower(strings.TrimSpace(string(opts.Policy))))
	if policy == "" {
		policy = PolicyServerWins
	}
	for field, side := range opts.FieldPriority {
		if side != SideServer && side != SideClient {
			return nil, fmt.Errorf("%w: field %q has priority %q", ErrInvalidInput, field, side)
		}
	}
	switch policy {
	case PolicyServerWins, PolicyClientWins, PolicyMerge:
		return &TimestampResolver{
			Policy:        policy,
			FieldPriority: opts.FieldPriority,
			DefaultSide:   opts.DefaultSide,
		}, nil
	case PolicyVersion:
		return &VersionResolver{Fallback: &TimestampResolver{Policy: PolicyServerWins}}, nil
	default:
		return nil, fmt.Errorf("%w: conflict policy %q", ErrInvalidInput, opts.Policy)
	}
}

// TimestampResolver flags a conflict when the server record was written after
// the client produced the operation.
type TimestampResolver struct {
	Policy        ConflictPolicy
	FieldPriority map[string]Side
	DefaultSide   Side
}

func (r *TimestampResolver) Detect(server SyncRecord, op SyncOperation) ConflictDecision {
	if !server.UpdatedAt.After(op.ClientTimestamp) {
		return ConflictDecision{Decision: DecisionNoConflict}
	}
	snapshot := cloneRecord(server)
	switch r.Policy {
	case PolicyClientWins:
		return ConflictDecision{Decision: DecisionClientWins, Server: &snapshot}
	case PolicyMerge:
		return ConflictDecision{Decision: DecisionMergeRequired, Server: &snapshot}
	default:
		return ConflictDecision{Decision: DecisionServerWins, Server: &snapshot}
	}
}

func (r *TimestampResolver) Merge(server SyncRecord, op SyncOperation) (map[string]any, error) {
	defaultSide := r.DefaultSide
	if defaultSide == "" {
		defaultSide = SideServer
	}
	merged := make(map[string]any, len(op.Payload))
	for field, value := range op.Payload {
		side, ok := r.FieldPriority[field]
		if !ok {
			side = defaultSide
		}
		if side == SideClient {
			merged[field] = value
			continue
		}
		// A field the server never had cannot lose to the server.
		if _, onServer := server.Data[field]; !onServer {
			merged[field] = value
		}
	}
	return merged, nil
}

// VersionResolver uses the per-record version counter as an optimistic lock
// token, which does not depend on client clocks. Operations that carry no
// base version are judged by Fallback.
type VersionResolver struct {
	Fallback ConflictResolver
}

func (r *VersionResolver) Detect(server SyncRecord, op SyncOperation) ConflictDecision {
	if op.BaseVersion <= 0 {
		if r.Fallback == nil {
			return ConflictDecision{Decision: DecisionNoConflict}
		}
		return r.Fallback.Detect(server, op)
	}
	if server.Version == op.BaseVersion {
		return ConflictDecision{Decision: DecisionNoConflict}
	}
	snapshot := cloneRecord(server)
	return ConflictDecision{Decision: DecisionServerWins, Server: &snapshot}
}

func (r *VersionResolver) Merge(server SyncRecord, op SyncOperation) (map[string]any, error) {
	merger, ok := r.Fallback.(Merger)
	if !ok {
		return nil, fmt.Errorf("%w: merge", ErrNotImplemented)
	}
	return merger.Merge(server, op)
}
