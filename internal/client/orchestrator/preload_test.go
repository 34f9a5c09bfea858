package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/apptsync/internal/client/transport"
	"github.com/dmitrijs2005/apptsync/internal/client/transport/transporttest"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
)

func seedRecords(t *testing.T, srv *transporttest.Server, ids ...string) []models.Key {
	t.Helper()
	keys := make([]models.Key, 0, len(ids))
	for _, id := range ids {
		env, err := models.Wrap(models.Record{ID: id, Name: "name " + id}, 1)
		require.NoError(t, err)
		srv.Seed(env)
		keys = append(keys, recordKey(id))
	}
	return keys
}

func TestPreload_StoresFetchedRows(t *testing.T) {
	srv := transporttest.NewServer()
	o, s := newTestOrchestrator(t, srv.Device("dev-a"), Options{PreloadConcurrency: 2})
	ctx := context.Background()

	keys := seedRecords(t, srv, "r1", "r2", "r3", "r4", "r5")
	keys = append(keys, recordKey("missing"))

	o.Preload(ctx, keys)

	for _, k := range keys[:5] {
		row, err := s.Get(ctx, k)
		require.NoError(t, err, k.String())
		assert.False(t, row.Dirty)
	}
	_, err := s.Get(ctx, recordKey("missing"))
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestPreload_CanceledContextStoresNothing(t *testing.T) {
	srv := transporttest.NewServer()
	o, s := newTestOrchestrator(t, srv.Device("dev-a"), Options{})

	keys := seedRecords(t, srv, "r1", "r2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o.Preload(ctx, keys)

	for _, k := range keys {
		_, err := s.Get(context.Background(), k)
		assert.ErrorIs(t, err, common.ErrorNotFound)
	}
}

// blockingFetch holds FetchEntity until release is closed.
type blockingFetch struct {
	transport.Transport
	entered chan struct{}
	release chan struct{}
}

func (b *blockingFetch) FetchEntity(ctx context.Context, t models.EntityType, id string) (models.Envelope, error) {
	close(b.entered)
	<-b.release
	return b.Transport.FetchEntity(ctx, t, id)
}

func TestPreload_DiscardedAfterLocalDelete(t *testing.T) {
	srv := transporttest.NewServer()
	tr := &blockingFetch{Transport: srv.Device("dev-a"), entered: make(chan struct{}), release: make(chan struct{})}
	o, s := newTestOrchestrator(t, tr, Options{})
	ctx := context.Background()

	keys := seedRecords(t, srv, "r1")

	done := make(chan struct{})
	go func() {
		o.Preload(ctx, keys)
		close(done)
	}()

	<-tr.entered
	require.NoError(t, o.Delete(ctx, keys[0]))
	close(tr.release)
	<-done

	_, err := s.Get(ctx, keys[0])
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

// countingFetch records the peak number of concurrent fetches.
type countingFetch struct {
	transport.Transport
	mu       sync.Mutex
	inflight int
	peak     int
}

func (c *countingFetch) FetchEntity(ctx context.Context, t models.EntityType, id string) (models.Envelope, error) {
	c.mu.Lock()
	c.inflight++
	c.peak = max(c.peak, c.inflight)
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
	return c.Transport.FetchEntity(ctx, t, id)
}

func TestPreload_BoundedConcurrency(t *testing.T) {
	srv := transporttest.NewServer()
	tr := &countingFetch{Transport: srv.Device("dev-a")}
	o, s := newTestOrchestrator(t, tr, Options{PreloadConcurrency: 2})
	ctx := context.Background()

	keys := seedRecords(t, srv, "r1", "r2", "r3", "r4", "r5", "r6")
	o.Preload(ctx, keys)

	assert.LessOrEqual(t, tr.peak, 2)
	for _, k := range keys {
		_, err := s.Get(ctx, k)
		require.NoError(t, err, k.String())
	}
}
