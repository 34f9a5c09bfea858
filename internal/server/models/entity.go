// Package models holds server-side persistence records.
package models

import (
	"time"

	"github.com/dmitrijs2005/apptsync/internal/models"
)

// StoredEntity is one row of the entities table: the envelope plus the
// bookkeeping the server keeps for the change log.
type StoredEntity struct {
	models.Envelope
	Seq       int64
	DeviceID  string
	UpdatedAt time.Time
}

// Change converts the row into a change-log entry.
func (e *StoredEntity) Change() models.Change {
	return models.Change{Seq: e.Seq, DeviceID: e.DeviceID, Entity: e.Envelope}
}
