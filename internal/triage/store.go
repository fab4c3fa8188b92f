package triage

import "context"

// Store is the persistence interface for triage results. Implementations
// return copies; callers may mutate what they get back.
type Store interface {
	Get(ctx context.Context, id string) (*Result, bool, error)
	GetByAlertID(ctx context.Context, alertID string) (*Result, bool, error)
	Put(ctx context.Context, result *Result) error
}
