package persistence

import (
	"context"

	"github.com/petrijr/replayflow/pkg/api"
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Name   string
	Status api.Status
}

// Matches reports whether inst passes the filter.
func (f InstanceFilter) Matches(inst *api.Instance) bool {
	if f.Name != "" && inst.Name != f.Name {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// InstanceStore handles storage of orchestration instance records.
type InstanceStore interface {
	// CreateInstance stores inst together with the first history event of
	// the instance. It returns api.ErrDuplicateInstance if the id exists.
	CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error
	UpdateInstance(ctx context.Context, inst *api.Instance) error
	GetInstance(ctx context.Context, id string) (*api.Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error)
	// DeleteInstance removes the instance record and its history.
	DeleteInstance(ctx context.Context, id string) error
}

// HistoryStore is the durable, append-only history of each instance.
type HistoryStore interface {
	// AppendEvents appends events atomically. The first event's Seq must be
	// exactly one greater than the current history length and the rest must
	// follow contiguously, otherwise api.ErrOutOfOrderWrite is returned and
	// nothing is written.
	AppendEvents(ctx context.Context, instanceID string, events ...api.HistoryEvent) error
	// ReadHistory returns the full history ordered by Seq.
	ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}
