package models

import (
	"encoding/json"
	"fmt"
)

// Envelope is the canonical unit moved between the local store, the wire and
// the server store. Version and Deleted are owned by the sync layer; Payload
// is the camelCase JSON form of the typed entity.
type Envelope struct {
	Type    EntityType      `json:"type"`
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Wrap encodes e into an Envelope carrying the given version.
func Wrap(e Entity, version int64) (Envelope, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", e.EntityType(), err)
	}
	return Envelope{
		Type:    e.EntityType(),
		ID:      e.EntityID(),
		Version: version,
		Payload: b,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Key())
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Key(), err)
	}
	return nil
}

func (e Envelope) Key() Key { return Key{Type: e.Type, ID: e.ID} }

// Tombstone returns a copy marked deleted. The payload is kept so that
// dependants can still be resolved from it.
func (e Envelope) Tombstone() Envelope {
	e.Deleted = true
	return e
}

// Decode is a generic shorthand for Envelope.Decode.
func Decode[T any](e Envelope) (T, error) {
	var v T
	err := e.Decode(&v)
	return v, err
}

// Change is one entry of the server's ordered change log.
type Change struct {
	Seq      int64    `json:"seq"`
	DeviceID string   `json:"deviceId,omitempty"`
	Entity   Envelope `json:"entity"`
}

// DecodeEntity decodes the payload into the typed entity named by e.Type.
func DecodeEntity(e Envelope) (Entity, error) {
	switch e.Type {
	case EntityBook:
		return Decode[Book](e)
	case EntityRecord:
		return Decode[Record](e)
	case EntityEvent:
		return Decode[Event](e)
	case EntityNote:
		return Decode[Note](e)
	case EntityChargeItem:
		return Decode[ChargeItem](e)
	case EntityScheduleDrawing:
		return Decode[ScheduleDrawing](e)
	default:
		return nil, fmt.Errorf("unknown entity type %q", e.Type)
	}
}
