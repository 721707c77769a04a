package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/replayflow/pkg/api"
)

// EncodeEvent serializes a history event for backends that store events
// as opaque values (Redis list entries).
func EncodeEvent(ev api.HistoryEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	return data, nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (api.HistoryEvent, error) {
	var ev api.HistoryEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// EncodeInstance serializes an instance record.
func EncodeInstance(inst *api.Instance) ([]byte, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	return data, nil
}

// DecodeInstance is the inverse of EncodeInstance.
func DecodeInstance(data []byte) (*api.Instance, error) {
	if len(data) == 0 {
		return nil, api.ErrInstanceNotFound
	}
	var inst api.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &inst, nil
}

// nullablePayload maps an empty payload to SQL NULL.
func nullablePayload(p api.Payload) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func cloneInstance(inst *api.Instance) *api.Instance {
	c := *inst
	c.Input = append(api.Payload(nil), inst.Input...)
	c.Output = append(api.Payload(nil), inst.Output...)
	return &c
}
