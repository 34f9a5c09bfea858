// Package transporttest provides an in-memory sync server for tests. It
// follows the server's versioning rules: create at version 1, +1 per
// accepted write, all-or-nothing batches, unique live record numbers and
// retired records without live dependents.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/apptsync/internal/client/transport"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
)

var errOffline = errors.New("server unreachable")

type Server struct {
	mu      sync.Mutex
	rows    map[models.Key]models.Change
	seq     int64
	offline bool
	calls   map[string]int
}

func NewServer() *Server {
	return &Server{rows: map[models.Key]models.Change{}, calls: map[string]int{}}
}

// SetOffline makes every call fail with a NetworkError.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Calls returns how many times method was invoked, offline calls included.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Get returns the stored copy.
func (s *Server) Get(key models.Key) (models.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[key]
	return c.Entity, ok
}

// Seed stores env as if written by device "seed". A zero version becomes 1.
func (s *Server) Seed(env models.Envelope) models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if env.Version == 0 {
		env.Version = 1
	}
	s.seq++
	s.rows[env.Key()] = models.Change{Seq: s.seq, DeviceID: "seed", Entity: env}
	return env
}

// Device returns a Transport acting as deviceID.
func (s *Server) Device(deviceID string) *Device {
	return &Device{server: s, deviceID: deviceID}
}

func (s *Server) enter(op string) error {
	s.calls[op]++
	if s.offline {
		return &common.NetworkError{Op: op, Err: errOffline}
	}
	return nil
}

func conflict(cur models.Envelope) *common.ConflictError {
	snap := cur
	return &common.ConflictError{EntityType: cur.Type, EntityID: cur.ID, ServerVersion: cur.Version, Snapshot: &snap}
}

func recordNumber(env models.Envelope) string {
	if env.Type != models.EntityRecord || env.Deleted {
		return ""
	}
	rec, err := models.Decode[models.Record](env)
	if err != nil {
		return ""
	}
	return rec.RecordNumber
}

// referencesRecord reports whether the live env points at recordID.
func referencesRecord(env models.Envelope, recordID string) bool {
	if env.Deleted {
		return false
	}
	switch env.Type {
	case models.EntityNote:
		return env.ID == recordID
	case models.EntityEvent, models.EntityChargeItem:
		var ref struct {
			RecordID string `json:"recordId"`
		}
		return env.Decode(&ref) == nil && ref.RecordID == recordID
	}
	return false
}

func (s *Server) apply(deviceID string, writes []rpc.Write) ([]models.Envelope, error) {
	if len(writes) == 0 {
		return nil, &common.ValidationError{Field: "writes", Reason: "empty batch"}
	}

	staged := make(map[models.Key]models.Envelope, len(writes))
	current := func(k models.Key) (models.Envelope, bool) {
		if e, ok := staged[k]; ok {
			return e, true
		}
		c, ok := s.rows[k]
		return c.Entity, ok
	}

	out := make([]models.Envelope, 0, len(writes))
	for _, w := range writes {
		env := w.Entity
		if w.Retire && (env.Type != models.EntityRecord || !env.Deleted) {
			return nil, &common.ValidationError{Field: "retire", Reason: "only a record tombstone can be retired"}
		}
		cur, exists := current(env.Key())
		switch {
		case w.ExpectedVersion == 0 && exists:
			return nil, conflict(cur)
		case w.ExpectedVersion > 0 && !exists:
			return nil, fmt.Errorf("%s: %w", env.Key(), common.ErrorNotFound)
		case w.ExpectedVersion > 0 && cur.Version != w.ExpectedVersion:
			return nil, conflict(cur)
		}
		env.Version = w.ExpectedVersion + 1
		staged[env.Key()] = env
		out = append(out, env)
	}

	owners := map[string]string{}
	for k := range s.rows {
		if e, _ := current(k); recordNumber(e) != "" {
			owners[recordNumber(e)] = e.ID
		}
	}
	for _, e := range staged {
		if n := recordNumber(e); n != "" {
			if owner, ok := owners[n]; ok && owner != e.ID {
				return nil, fmt.Errorf("%s: %w", e.Key(), common.ErrRecordNumberTaken)
			}
			owners[n] = e.ID
		}
	}

	for _, w := range writes {
		if !w.Retire {
			continue
		}
		for k := range s.rows {
			if e, _ := current(k); referencesRecord(e, w.Entity.ID) {
				return nil, fmt.Errorf("%s: dependent %s: %w", w.Entity.Key(), k, common.ErrRecordInUse)
			}
		}
		for k, e := range staged {
			if referencesRecord(e, w.Entity.ID) {
				return nil, fmt.Errorf("%s: dependent %s: %w", w.Entity.Key(), k, common.ErrRecordInUse)
			}
		}
	}

	for _, e := range out {
		s.seq++
		s.rows[e.Key()] = models.Change{Seq: s.seq, DeviceID: deviceID, Entity: e}
	}
	return out, nil
}

// Device is one client's view of the server.
type Device struct {
	server   *Server
	deviceID string
}

var _ transport.Transport = (*Device)(nil)

func (d *Device) Ping(ctx context.Context) error {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	return d.server.enter("Ping")
}

func (d *Device) FetchEntity(ctx context.Context, t models.EntityType, id string) (models.Envelope, error) {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.server.enter("FetchEntity"); err != nil {
		return models.Envelope{}, err
	}
	c, ok := d.server.rows[models.Key{Type: t, ID: id}]
	if !ok {
		return models.Envelope{}, common.ErrorNotFound
	}
	return c.Entity, nil
}

func (d *Device) CreateEntity(ctx context.Context, env models.Envelope) (models.Envelope, error) {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.server.enter("CreateEntity"); err != nil {
		return models.Envelope{}, err
	}
	out, err := d.server.apply(d.deviceID, []rpc.Write{{Entity: env}})
	if err != nil {
		return models.Envelope{}, err
	}
	return out[0], nil
}

func (d *Device) UpdateEntity(ctx context.Context, env models.Envelope, expectedVersion int64) (models.Envelope, error) {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.server.enter("UpdateEntity"); err != nil {
		return models.Envelope{}, err
	}
	out, err := d.server.apply(d.deviceID, []rpc.Write{{Entity: env, ExpectedVersion: expectedVersion}})
	if err != nil {
		return models.Envelope{}, err
	}
	return out[0], nil
}

func (d *Device) ApplyBatch(ctx context.Context, writes []rpc.Write) ([]models.Envelope, error) {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.server.enter("ApplyBatch"); err != nil {
		return nil, err
	}
	return d.server.apply(d.deviceID, writes)
}

func (d *Device) FetchDelta(ctx context.Context, since int64, limit int) (*rpc.FetchDeltaResponse, error) {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.server.enter("FetchDelta"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	var changes []models.Change
	for _, c := range d.server.rows {
		if c.Seq <= since {
			continue
		}
		if c.Entity.Type == models.EntityBook && !c.Entity.Deleted {
			if b, err := models.Decode[models.Book](c.Entity); err == nil && b.Archived() {
				continue
			}
		}
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })

	resp := &rpc.FetchDeltaResponse{Cursor: since}
	if len(changes) > limit {
		changes = changes[:limit]
		resp.More = true
	}
	for _, c := range changes {
		resp.Cursor = max(resp.Cursor, c.Seq)
	}
	resp.Changes = changes
	return resp, nil
}

func (d *Device) FindRecord(ctx context.Context, number string) (*models.Envelope, error) {
	d.server.mu.Lock()
	defer d.server.mu.Unlock()
	if err := d.server.enter("FindRecord"); err != nil {
		return nil, err
	}
	for _, c := range d.server.rows {
		if recordNumber(c.Entity) == number {
			env := c.Entity
			return &env, nil
		}
	}
	return nil, nil
}
