package rpc

import (
	"time"

	"github.com/dmitrijs2005/apptsync/internal/models"
)

type OpenSessionRequest struct {
	DeviceID string `json:"deviceId"`
}

type OpenSessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type PingRequest struct{}

type PingResponse struct {
	Status string `json:"status"`
}

type FetchEntityRequest struct {
	Type models.EntityType `json:"type"`
	ID   string            `json:"id"`
}

type EntityResponse struct {
	Entity models.Envelope `json:"entity"`
}

// CreateEntityRequest creates a new entity at version 1.
type CreateEntityRequest struct {
	Entity models.Envelope `json:"entity"`
}

// UpdateEntityRequest replaces an entity if its stored version still equals
// ExpectedVersion.
type UpdateEntityRequest struct {
	Entity          models.Envelope `json:"entity"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

// Write is one element of a batch. ExpectedVersion 0 means create. Retire
// marks a record tombstone that must leave no live dependents behind.
type Write struct {
	Entity          models.Envelope `json:"entity"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Retire          bool            `json:"retire,omitempty"`
}

type ApplyBatchRequest struct {
	Writes []Write `json:"writes"`
}

type ApplyBatchResponse struct {
	Entities []models.Envelope `json:"entities"`
}

type FetchDeltaRequest struct {
	Since           int64 `json:"since"`
	Limit           int   `json:"limit,omitempty"`
	IncludeArchived bool  `json:"includeArchived,omitempty"`
}

type FetchDeltaResponse struct {
	Changes []models.Change `json:"changes"`
	Cursor  int64           `json:"cursor"`
	More    bool            `json:"more"`
}

type FindRecordRequest struct {
	RecordNumber string `json:"recordNumber"`
}

// FindRecordResponse carries nil Entity when no live record owns the number.
type FindRecordResponse struct {
	Entity *models.Envelope `json:"entity,omitempty"`
}
