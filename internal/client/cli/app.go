package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/client/config"
	"github.com/dmitrijs2005/apptsync/internal/client/conflict"
	"github.com/dmitrijs2005/apptsync/internal/client/connectivity"
	"github.com/dmitrijs2005/apptsync/internal/client/notify"
	"github.com/dmitrijs2005/apptsync/internal/client/orchestrator"
	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/client/transport"
	"github.com/dmitrijs2005/apptsync/internal/filex"
	"github.com/dmitrijs2005/apptsync/internal/logging"
)

type App struct {
	config   *config.Config
	deviceID string
	store    *store.SQLiteStore
	client   *transport.GRPCClient
	orch     *orchestrator.Orchestrator
	watcher  *connectivity.Watcher
	listener *notify.Listener
	logger   logging.Logger
	reader   *bufio.Reader
	out      io.Writer
	now      func() time.Time
}

// NewApp opens the local store, resolves the device identity and wires the
// sync stack. Nothing talks to the server until Run.
func NewApp(ctx context.Context, c *config.Config, l logging.Logger) (*App, error) {
	if _, err := filex.EnsureParentDir(c.DatabasePath); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	deviceID := c.DeviceID
	if deviceID == "" {
		if deviceID, err = st.DeviceID(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	l = l.With("device", deviceID)

	client, err := transport.NewGRPCClient(c.ServerEndpointAddr, deviceID, c.RequestTimeout)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch := orchestrator.New(st, client, l, orchestrator.Options{
		Debounce:           c.PushDebounce,
		PreloadConcurrency: c.PreloadConcurrency,
	})

	a := &App{
		config:   c,
		deviceID: deviceID,
		store:    st,
		client:   client,
		orch:     orch,
		watcher:  connectivity.NewWatcher(client, c.OnlineCheckInterval, c.RequestTimeout, l),
		logger:   l,
		reader:   bufio.NewReader(os.Stdin),
		out:      os.Stdout,
		now:      time.Now,
	}
	a.listener = notify.NewListener(c.ChangeFeedURL, deviceID, client.Token, a.pull, l, notify.DefaultOptions())
	return a, nil
}

func (a *App) pull(ctx context.Context) {
	if err := a.orch.PullDelta(ctx); err != nil {
		a.logger.Warn(ctx, "pull after change notification", "error", err)
	}
}

// Run starts the background sync loops and the REPL. It returns when the
// user exits or ctx is done, after every loop has stopped.
func (a *App) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer a.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.orch.Run(ctx, a.watcher.Changes())
	}()
	go func() {
		defer wg.Done()
		a.listener.Run(ctx)
	}()

	stop := a.orch.Observe(a.report)
	defer stop()

	printlnFn("apptsync console, device " + a.deviceID + " (type 'help' for commands)")
	runREPL(ctx, a, a.status, a.reader)

	cancel()
	wg.Wait()
}

// Close releases the orchestrator, the connection and the database.
func (a *App) Close() {
	a.orch.Close()
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) status() string {
	if a.watcher == nil {
		return ""
	}
	return fmt.Sprintf("(%s)", a.watcher.Mode())
}

// report surfaces push results the user has to know about.
func (a *App) report(u orchestrator.Update) {
	if !u.Pushed {
		return
	}
	switch {
	case u.Err != nil && u.Outcome == conflict.Deferred:
		printlnFn(fmt.Sprintf("! %s rejected by server: %v", u.Key, u.Err))
	case u.Outcome == conflict.ConflictDiscarded:
		printlnFn(fmt.Sprintf("! %s changed on another device; local edit replaced by version %d", u.Key, u.Entity.Version))
	case u.Outcome == conflict.Merged:
		printlnFn(fmt.Sprintf("* %s merged with edits from another device (version %d)", u.Key, u.Entity.Version))
	case u.Outcome == conflict.MergedPendingRetry:
		printlnFn(fmt.Sprintf("! %s merged locally, will retry", u.Key))
	}
}
