package core

import (
	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/remote"
)

// QueryListener receives the snapshots of one query.
type QueryListener interface {
	OnNext(snap *ViewSnapshot)
	OnError(err error)
}

// ListenerFuncs adapts two functions to a QueryListener. Either may be nil.
type ListenerFuncs struct {
	Next  func(*ViewSnapshot)
	Error func(error)
}

func (f ListenerFuncs) OnNext(snap *ViewSnapshot) {
	if f.Next != nil {
		f.Next(snap)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// ListenOptions controls which snapshots a listener sees.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots whose only change is
	// FromCache or pending writes.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline holds back the first snapshot while the client
	// may be online, until it is in sync with the backend.
	WaitForSyncWhenOnline bool
}

// ListenerRegistration is one listener attached to a query.
type ListenerRegistration struct {
	query    *models.Query
	listener QueryListener
	options  ListenOptions

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewListenerRegistration attaches listener to query.
func NewListenerRegistration(query *models.Query, listener QueryListener, options ListenOptions) *ListenerRegistration {
	return &ListenerRegistration{query: query, listener: listener, options: options, onlineState: remote.OnlineStateUnknown}
}

func (r *ListenerRegistration) Query() *models.Query { return r.query }

// onViewSnapshot filters snap by the listener's options and raises it.
// It reports whether an event was raised.
func (r *ListenerRegistration) onViewSnapshot(snap *ViewSnapshot) bool {
	if !r.options.IncludeMetadataChanges {
		changes := make([]DocumentViewChange, 0, len(snap.Changes))
		for _, c := range snap.Changes {
			if c.Type != ChangeMetadata {
				changes = append(changes, c)
			}
		}
		filtered := *snap
		filtered.Changes = changes
		filtered.ExcludesMetadataChanges = true
		snap = &filtered
	}

	raised := false
	if !r.raisedInitialEvent {
		if r.shouldRaiseInitialEvent(snap, r.onlineState) {
			r.raiseInitialEvent(snap)
			raised = true
		}
	} else if r.shouldRaiseEvent(snap) {
		r.listener.OnNext(snap)
		raised = true
	}
	r.snap = snap
	return raised
}

func (r *ListenerRegistration) onError(err error) { r.listener.OnError(err) }

// applyOnlineStateChange may release a held-back initial snapshot once the
// client is known to be offline.
func (r *ListenerRegistration) applyOnlineStateChange(state remote.OnlineState) bool {
	r.onlineState = state
	if r.snap != nil && !r.raisedInitialEvent && r.shouldRaiseInitialEvent(r.snap, state) {
		r.raiseInitialEvent(r.snap)
		return true
	}
	return false
}

func (r *ListenerRegistration) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.OnlineStateOffline
	if r.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result is not worth showing unless the client is
	// offline or the query was synced before.
	return snap.Docs.Len() > 0 || snap.HasCachedResults || state == remote.OnlineStateOffline
}

func (r *ListenerRegistration) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.Changes) > 0 {
		return true
	}
	pendingWritesChanged := r.snap != nil && r.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingWritesChanged {
		return r.options.IncludeMetadataChanges
	}
	return false
}

func (r *ListenerRegistration) raiseInitialEvent(snap *ViewSnapshot) {
	r.raisedInitialEvent = true
	r.listener.OnNext(initialSnapshot(snap))
}

// QuerySource is what the event manager listens through.
type QuerySource interface {
	Listen(query *models.Query) (*ViewSnapshot, error)
	Unlisten(query *models.Query) error
}

type queryListeners struct {
	viewSnap  *ViewSnapshot
	listeners []*ListenerRegistration
}

// EventManager fans view snapshots out to listeners. Listeners of equal
// queries share one listen on the sync engine. All methods must be called
// from the async queue.
type EventManager struct {
	source      QuerySource
	queries     map[string]*queryListeners
	onlineState remote.OnlineState

	snapshotsInSyncListeners map[int]func()
	nextSyncListenerID       int
}

// NewEventManager returns an event manager over source.
func NewEventManager(source QuerySource) *EventManager {
	return &EventManager{
		source:                   source,
		queries:                  make(map[string]*queryListeners),
		onlineState:              remote.OnlineStateUnknown,
		snapshotsInSyncListeners: make(map[int]func()),
	}
}

// Listen registers r. The first listener of a query starts the listen; the
// error of that listen is returned and also reported to r.
func (m *EventManager) Listen(r *ListenerRegistration) error {
	id := r.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		snap, err := m.source.Listen(r.query)
		if err != nil {
			r.onError(err)
			return err
		}
		info = &queryListeners{viewSnap: snap}
		m.queries[id] = info
	}
	info.listeners = append(info.listeners, r)

	r.applyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil && r.onViewSnapshot(info.viewSnap) {
		m.raiseSnapshotsInSyncEvent()
	}
	return nil
}

// Unlisten removes r. The last listener of a query stops the listen.
func (m *EventManager) Unlisten(r *ListenerRegistration) error {
	id := r.query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return nil
	}
	for i, l := range info.listeners {
		if l == r {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) > 0 {
		return nil
	}
	delete(m.queries, id)
	return m.source.Unlisten(r.query)
}

// OnWatchChange raises snapshots to the listeners of their queries.
func (m *EventManager) OnWatchChange(snaps []*ViewSnapshot) {
	raised := false
	for _, snap := range snaps {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			if l.onViewSnapshot(snap) {
				raised = true
			}
		}
		info.viewSnap = snap
	}
	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

// OnWatchError fails every listener of query and forgets it.
func (m *EventManager) OnWatchError(query *models.Query, err error) {
	id := query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.onError(err)
	}
	delete(m.queries, id)
}

// OnOnlineStateChange passes the online state on to every listener.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	raised := false
	for _, info := range m.queries {
		for _, l := range info.listeners {
			if l.applyOnlineStateChange(state) {
				raised = true
			}
		}
	}
	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

// AddSnapshotsInSyncListener calls fn after every round of raised
// snapshots, and once right away. The returned function removes it.
func (m *EventManager) AddSnapshotsInSyncListener(fn func()) func() {
	id := m.nextSyncListenerID
	m.nextSyncListenerID++
	m.snapshotsInSyncListeners[id] = fn
	fn()
	return func() { delete(m.snapshotsInSyncListeners, id) }
}

func (m *EventManager) raiseSnapshotsInSyncEvent() {
	for _, fn := range m.snapshotsInSyncListeners {
		fn()
	}
}
