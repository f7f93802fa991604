package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kilupskalvis/docsync/internal/auth"
	"github.com/kilupskalvis/docsync/internal/local"
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/remote"
	"github.com/kilupskalvis/docsync/internal/status"
	"github.com/kilupskalvis/docsync/internal/store"
)

// leaseRefreshInterval is how often the client renews or tries to take the
// primary lease. It is well below store.PrimaryLeaseDuration.
const leaseRefreshInterval = 4 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	Database remote.DatabaseInfo

	// PersistenceDir holds the cache files. PersistenceEngine picks the
	// storage engine and defaults to bbolt.
	PersistenceDir    string
	PersistenceEngine store.EngineKind

	// CacheSizeBytes is the size above which garbage collection runs. Zero
	// uses the default; local.CacheSizeUnlimited disables collection.
	CacheSizeBytes int64

	MaxConcurrentLimboResolutions int
	// MaxPendingWrites bounds the batches in flight on the write stream.
	MaxPendingWrites  int
	IndexAutoCreation bool
	Retry             *remote.RetryConfig

	Logger *slog.Logger
}

// ClientDeps are the collaborators of a Client. Nil fields get defaults.
type ClientDeps struct {
	Connection   remote.Connection
	Engine       store.Engine
	Credentials  auth.CredentialsProvider
	AppCheck     auth.AppCheckTokenProvider
	Connectivity auth.ConnectivityMonitor
}

// Client is the entry point of the sync engine. Its methods are safe for
// concurrent use; the work runs on one async queue.
type Client struct {
	config ClientConfig
	logger *slog.Logger
	queue  *queue.AsyncQueue

	credentials auth.CredentialsProvider
	appCheck    auth.AppCheckTokenProvider

	persistence  *store.Persistence
	localStore   *local.LocalStore
	datastore    *remote.Datastore
	remoteStore  *remote.RemoteStore
	syncEngine   *SyncEngine
	eventManager *EventManager
	gc           *local.LruGarbageCollector
	gcScheduler  *local.LruScheduler
	backfiller   *local.IndexBackfiller

	leaseRefresh *queue.DelayedOperation
}

// NewClient opens the cache, waits for the first user from the credentials
// provider and starts the components. ctx bounds only the startup.
func NewClient(ctx context.Context, cfg ClientConfig, deps ClientDeps) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Credentials == nil {
		deps.Credentials = auth.EmptyCredentialsProvider{}
	}
	if deps.AppCheck == nil {
		deps.AppCheck = auth.EmptyAppCheckProvider{}
	}
	if deps.Connectivity == nil {
		deps.Connectivity = auth.NoopConnectivityMonitor{}
	}
	if deps.Connection == nil {
		deps.Connection = remote.NewHTTPConnection(cfg.Database)
	}
	engine := deps.Engine
	if engine == nil {
		kind := cfg.PersistenceEngine
		if kind == "" {
			kind = store.EngineBolt
		}
		var err error
		engine, err = store.Open(kind, cfg.PersistenceDir)
		if err != nil {
			return nil, fmt.Errorf("open persistence: %w", err)
		}
	}

	c := &Client{
		config:      cfg,
		logger:      logger,
		queue:       queue.New(logger),
		credentials: deps.Credentials,
		appCheck:    deps.AppCheck,
		persistence: store.NewPersistence(engine, logger),
	}

	firstUser := queue.NewFuture[auth.User]()
	initialized := false
	c.credentials.Start(c.queue, func(user auth.User) {
		if !initialized {
			initialized = true
			firstUser.Resolve(user, nil)
			return
		}
		if c.remoteStore == nil {
			return
		}
		if err := c.remoteStore.HandleCredentialChange(user); err != nil {
			c.logger.Error("credential change failed", "user", user.Key(), "error", err)
		}
	})
	c.appCheck.Start(c.queue, func(string) {
		c.logger.Debug("app check token changed")
	})

	user, err := firstUser.Wait(ctx)
	if err != nil {
		c.shutdownQueue()
		return nil, fmt.Errorf("wait for user: %w", err)
	}

	_, err = queue.Enqueue(c.queue, func() (struct{}, error) {
		return struct{}{}, c.initialize(user, deps)
	}).Wait(ctx)
	if err != nil {
		c.shutdownQueue()
		return nil, err
	}
	return c, nil
}

func (c *Client) initialize(user auth.User, deps ClientDeps) error {
	c.logger.Debug("initializing client", "user", user.Key(), "client_id", c.persistence.ClientID())
	if err := c.persistence.Start(); err != nil {
		return fmt.Errorf("start persistence: %w", err)
	}
	primary, err := c.persistence.TryAcquirePrimaryLease()
	if err != nil {
		return fmt.Errorf("acquire primary lease: %w", err)
	}

	c.localStore = local.NewLocalStore(c.persistence, user.Key(), local.Options{
		IndexAutoCreation: c.config.IndexAutoCreation,
		Logger:            c.logger,
	})
	c.datastore = remote.NewDatastore(deps.Connection, c.config.Database, c.credentials, c.appCheck, c.logger)
	c.syncEngine = NewSyncEngine(c.localStore, nil, user, SyncEngineOptions{
		MaxConcurrentLimboResolutions: c.config.MaxConcurrentLimboResolutions,
		Logger:                        c.logger,
	})
	c.remoteStore = remote.NewRemoteStore(c.localStore, c.datastore, c.queue, c.syncEngine, deps.Connectivity, c.logger)
	c.remoteStore.SetMaxPendingWrites(c.config.MaxPendingWrites)
	c.syncEngine.SetRemoteStore(c.remoteStore)
	c.eventManager = NewEventManager(c.syncEngine)
	c.syncEngine.SetListener(c.eventManager)

	params := local.DefaultLruParams()
	if c.config.CacheSizeBytes != 0 {
		params = local.LruParamsWithCacheSize(c.config.CacheSizeBytes)
	}
	c.gc = local.NewLruGarbageCollector(c.persistence.ReferenceDelegate(), params, c.logger)
	c.gcScheduler = local.NewLruScheduler(c.gc, c.queue, c.localStore, c.logger)
	c.backfiller = local.NewIndexBackfiller(c.persistence, c.localStore, c.queue, c.logger)

	if err := c.applyPrimaryState(primary); err != nil {
		return err
	}
	c.remoteStore.Start()
	c.scheduleLeaseRefresh()
	return nil
}

// applyPrimaryState moves the client between primary and secondary. Only
// the primary runs the background jobs.
func (c *Client) applyPrimaryState(primary bool) error {
	if err := c.syncEngine.ApplyPrimaryState(primary); err != nil {
		return fmt.Errorf("apply primary state: %w", err)
	}
	if primary {
		if !c.gcScheduler.IsStarted() {
			c.gcScheduler.Start()
		}
		c.backfiller.Start()
		return nil
	}
	c.gcScheduler.Stop()
	c.backfiller.Stop()
	return nil
}

func (c *Client) scheduleLeaseRefresh() {
	c.leaseRefresh = c.queue.EnqueueAfterDelay(queue.TimerClientMetadataRefresh, leaseRefreshInterval, func() {
		c.refreshLease()
		c.scheduleLeaseRefresh()
	})
}

func (c *Client) refreshLease() {
	primary, err := c.persistence.TryAcquirePrimaryLease()
	if err != nil {
		c.logger.Warn("primary lease refresh failed", "error", err)
		return
	}
	if primary == c.syncEngine.IsPrimary() {
		return
	}
	if primary {
		c.logger.Info("acquired primary lease", "client_id", c.persistence.ClientID())
	} else {
		c.logger.Warn("lost primary lease", "client_id", c.persistence.ClientID())
	}
	if err := c.applyPrimaryState(primary); err != nil {
		c.logger.Error("primary state change failed", "error", err)
	}
}

// run executes fn on the async queue and waits for its result.
func run[T any](ctx context.Context, c *Client, fn func() (T, error)) (T, error) {
	return queue.Enqueue(c.queue, fn).Wait(ctx)
}

func (c *Client) do(ctx context.Context, fn func() error) error {
	_, err := run(ctx, c, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// ==================== Listening ====================

// Listen attaches listener to query. Listener callbacks run on the async
// queue and must not block.
func (c *Client) Listen(ctx context.Context, query *models.Query, options ListenOptions, listener QueryListener) (*ListenerRegistration, error) {
	r := NewListenerRegistration(query, listener, options)
	if err := c.do(ctx, func() error { return c.eventManager.Listen(r) }); err != nil {
		return nil, err
	}
	return r, nil
}

// Unlisten detaches a registration returned by Listen.
func (c *Client) Unlisten(ctx context.Context, r *ListenerRegistration) error {
	return c.do(ctx, func() error { return c.eventManager.Unlisten(r) })
}

// AddSnapshotsInSyncListener calls fn whenever all raised snapshots are in
// sync with each other. The returned function removes it.
func (c *Client) AddSnapshotsInSyncListener(ctx context.Context, fn func()) (func(), error) {
	remove, err := run(ctx, c, func() (func(), error) {
		return c.eventManager.AddSnapshotsInSyncListener(fn), nil
	})
	if err != nil {
		return nil, err
	}
	return func() { c.queue.EnqueueAndForget(remove) }, nil
}

// ==================== Writes ====================

// Write applies mutations locally and queues them for the backend. The
// returned future resolves once the backend accepted or rejected them.
func (c *Client) Write(ctx context.Context, mutations []models.Mutation) (*queue.Future[struct{}], error) {
	ack := queue.NewFuture[struct{}]()
	err := c.do(ctx, func() error {
		return c.syncEngine.Write(mutations, func(err error) { ack.Resolve(struct{}{}, err) })
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// WaitForPendingWrites blocks until every write queued so far was
// acknowledged or rejected by the backend.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done := queue.NewFuture[struct{}]()
	err := c.do(ctx, func() error {
		return c.syncEngine.RegisterPendingWritesCallback(func(err error) { done.Resolve(struct{}{}, err) })
	})
	if err != nil {
		return err
	}
	_, err = done.Wait(ctx)
	return err
}

// PendingMutationBatches returns the writes not yet acknowledged.
func (c *Client) PendingMutationBatches(ctx context.Context) ([]*models.MutationBatch, error) {
	return run(ctx, c, c.localStore.PendingMutationBatches)
}

// RunTransaction runs fn against the backend, retrying on contention.
// Transactions need the network and do not touch the cache.
func (c *Client) RunTransaction(ctx context.Context, fn remote.TransactionFunc) error {
	return remote.NewTransactionRunner(c.datastore, c.config.Retry, c.logger).Run(ctx, fn)
}

// ==================== Cache reads ====================

// GetDocumentFromLocalCache returns the local view of key. A document known
// to be missing is returned as nil; a document the cache has never seen is
// an Unavailable error.
func (c *Client) GetDocumentFromLocalCache(ctx context.Context, key models.DocumentKey) (*models.Document, error) {
	return run(ctx, c, func() (*models.Document, error) {
		doc, err := c.localStore.ReadDocument(key)
		if err != nil {
			return nil, err
		}
		switch {
		case doc.IsFoundDocument():
			return doc, nil
		case doc.IsNoDocument():
			return nil, nil
		}
		return nil, status.New(status.Unavailable,
			"failed to get document from cache; it may exist on the server but was never read by this client")
	})
}

// GetDocumentsFromLocalCache runs query against the cache only.
func (c *Client) GetDocumentsFromLocalCache(ctx context.Context, query *models.Query) (*ViewSnapshot, error) {
	return run(ctx, c, func() (*ViewSnapshot, error) {
		result, err := c.localStore.ExecuteQuery(query, true)
		if err != nil {
			return nil, err
		}
		view := NewView(query, result.RemoteKeys)
		changes := view.ComputeDocChanges(result.Documents, nil)
		return view.ApplyChanges(changes, false, nil, false).Snapshot, nil
	})
}

// GetNamedQuery returns a query saved by a loaded bundle.
func (c *Client) GetNamedQuery(ctx context.Context, name string) (*models.NamedQuery, error) {
	return run(ctx, c, func() (*models.NamedQuery, error) { return c.localStore.GetNamedQuery(name) })
}

// ==================== Network ====================

// EnableNetwork reconnects after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.remoteStore.EnableNetwork()
		return nil
	})
}

// DisableNetwork stops talking to the backend. Writes stay queued.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.remoteStore.DisableNetwork()
		return nil
	})
}

// Status is a point-in-time summary of the client.
type Status struct {
	ClientID       string
	Primary        bool
	OnlineState    remote.OnlineState
	PendingWrites  int
	ActiveLimbo    int
	EnqueuedLimbo  int
	ListenTargets  int
	NetworkEnabled bool
}

// Status reports the state of the client.
func (c *Client) Status(ctx context.Context) (Status, error) {
	return run(ctx, c, func() (Status, error) {
		batches, err := c.localStore.PendingMutationBatches()
		if err != nil {
			return Status{}, err
		}
		return Status{
			ClientID:       c.persistence.ClientID(),
			Primary:        c.syncEngine.IsPrimary(),
			OnlineState:    c.syncEngine.OnlineState(),
			PendingWrites:  len(batches),
			ActiveLimbo:    len(c.syncEngine.ActiveLimboDocumentResolutions()),
			EnqueuedLimbo:  len(c.syncEngine.EnqueuedLimboDocumentResolutions()),
			ListenTargets:  len(c.remoteStore.ListenTargets()),
			NetworkEnabled: c.remoteStore.CanUseNetwork(),
		}, nil
	})
}

// ==================== Maintenance ====================

// LoadBundle reads a JSON bundle from r into the cache.
func (c *Client) LoadBundle(ctx context.Context, r io.Reader) (*LoadBundleResult, error) {
	var b models.Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, status.New(status.InvalidArgument, "decode bundle: %v", err)
	}
	if b.Metadata.ID == "" {
		return nil, status.New(status.InvalidArgument, "bundle has no id")
	}
	return run(ctx, c, func() (*LoadBundleResult, error) { return c.syncEngine.LoadBundle(&b) })
}

// ConfigureFieldIndexes replaces the configured field indexes.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, indexes []models.FieldIndex) error {
	return c.do(ctx, func() error { return c.localStore.ConfigureFieldIndexes(indexes) })
}

// CollectGarbage runs one garbage collection pass now.
func (c *Client) CollectGarbage(ctx context.Context) (local.LruResults, error) {
	return run(ctx, c, func() (local.LruResults, error) { return c.localStore.CollectGarbage(c.gc) })
}

// Terminate stops the client and closes the cache. Calls after Terminate
// fail.
func (c *Client) Terminate(ctx context.Context) error {
	var shutdownErr error
	_, err := c.queue.EnqueueAndInitiateShutdown(func() {
		if c.leaseRefresh != nil {
			c.leaseRefresh.Cancel()
		}
		if c.remoteStore != nil {
			c.gcScheduler.Stop()
			c.backfiller.Stop()
			c.remoteStore.Shutdown()
		}
		c.credentials.Shutdown()
		c.appCheck.Shutdown()
		shutdownErr = c.persistence.Shutdown()
	}).Wait(ctx)
	if err != nil {
		return err
	}
	select {
	case <-c.queue.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return shutdownErr
}

func (c *Client) shutdownQueue() {
	c.queue.EnqueueAndInitiateShutdown(func() {
		c.credentials.Shutdown()
		c.appCheck.Shutdown()
		_ = c.persistence.Shutdown()
	})
}
