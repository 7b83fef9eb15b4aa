// Package notify implements the in-process notification fabric: registries of
// live connections, per-task subscriptions, and one-shot resolution callbacks.
//
// All registry mutations happen under one mutex; sends to connections and
// callback invocations happen outside it on snapshots, so a slow or dead
// connection never blocks registry access.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Conn is a live bidirectional channel to a client. Send must be safe for
// concurrent use and must return an error once the connection is gone.
type Conn interface {
	Send(msg any) error
}

// MessageTypeTaskAssigned is the wire type pushed to an extension for new work.
const MessageTypeTaskAssigned = "task_assigned"

// TaskAssignedMessage is pushed to one extension connection per new task.
type TaskAssignedMessage struct {
	Type string              `json:"type"`
	Task scrape.AssignedTask `json:"task"`
}

// Stats is a point-in-time view of registry sizes.
type Stats struct {
	HumanConnections     int `json:"humanConnections"`
	ExtensionConnections int `json:"extensionConnections"`
	SubscribedTasks      int `json:"subscribedTasks"`
	PendingCallbacks     int `json:"pendingCallbacks"`
}

type callback struct {
	fn    func(scrape.TaskEvent)
	fired bool
}

// Fabric routes task resolutions to every interested observer.
type Fabric struct {
	mu sync.Mutex
	// humans: ownerID -> set of human-facing connections.
	humans map[string]map[Conn]struct{}
	// extensions: ownerID -> extension connections in registration order.
	extensions map[string][]Conn
	// subscribers: taskID -> ownerID -> subscription count.
	subscribers map[string]map[string]int
	// callbacks: "ownerID:taskID" -> one-shot callbacks.
	callbacks map[string][]*callback

	logger *zap.Logger
}

// New constructs an empty Fabric.
func New(logger *zap.Logger) *Fabric {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fabric{
		humans:      make(map[string]map[Conn]struct{}),
		extensions:  make(map[string][]Conn),
		subscribers: make(map[string]map[string]int),
		callbacks:   make(map[string][]*callback),
		logger:      logger,
	}
}

func callbackKey(ownerID, taskID string) string {
	return ownerID + ":" + taskID
}

// RegisterHuman adds a human-facing connection for ownerID.
func (f *Fabric) RegisterHuman(ownerID string, conn Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns, ok := f.humans[ownerID]
	if !ok {
		conns = make(map[Conn]struct{})
		f.humans[ownerID] = conns
	}
	conns[conn] = struct{}{}
}

// UnregisterHuman removes conn; the owner entry is pruned when empty.
func (f *Fabric) UnregisterHuman(ownerID string, conn Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns, ok := f.humans[ownerID]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(f.humans, ownerID)
	}
}

// RegisterExtension adds an extension connection for ownerID. Connections are
// offered work in registration order.
func (f *Fabric) RegisterExtension(ownerID string, conn Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.extensions[ownerID] {
		if existing == conn {
			return
		}
	}
	f.extensions[ownerID] = append(f.extensions[ownerID], conn)
}

// UnregisterExtension removes conn; the owner entry is pruned when empty.
func (f *Fabric) UnregisterExtension(ownerID string, conn Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.extensions[ownerID]
	kept := conns[:0]
	for _, existing := range conns {
		if existing != conn {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(f.extensions, ownerID)
		return
	}
	// Clear the tail so removed connections can be collected.
	for i := len(kept); i < len(conns); i++ {
		conns[i] = nil
	}
	f.extensions[ownerID] = kept
}

// HasExtension reports whether ownerID has at least one extension connected.
func (f *Fabric) HasExtension(ownerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.extensions[ownerID]) > 0
}

// AssignToExtension offers task to exactly one of the owner's extension
// connections. Connections are tried in registration order and the first
// successful send wins. It returns false when no connection accepted it.
func (f *Fabric) AssignToExtension(ownerID string, task scrape.AssignedTask) bool {
	f.mu.Lock()
	conns := append([]Conn(nil), f.extensions[ownerID]...)
	f.mu.Unlock()

	msg := TaskAssignedMessage{Type: MessageTypeTaskAssigned, Task: task}
	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			f.logger.Warn("assign to extension failed",
				zap.String("owner_id", ownerID),
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			continue
		}
		return true
	}
	return false
}

// Subscribe records ownerID's interest in taskID. Each Subscribe must be
// balanced by one Unsubscribe unless the task resolves first.
func (f *Fabric) Subscribe(ownerID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeLocked(ownerID, taskID)
}

func (f *Fabric) subscribeLocked(ownerID, taskID string) {
	owners, ok := f.subscribers[taskID]
	if !ok {
		owners = make(map[string]int)
		f.subscribers[taskID] = owners
	}
	owners[ownerID]++
}

// Unsubscribe drops one subscription of ownerID to taskID.
func (f *Fabric) Unsubscribe(ownerID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeLocked(ownerID, taskID)
}

func (f *Fabric) unsubscribeLocked(ownerID, taskID string) {
	owners, ok := f.subscribers[taskID]
	if !ok {
		return
	}
	if owners[ownerID] <= 1 {
		delete(owners, ownerID)
	} else {
		owners[ownerID]--
	}
	if len(owners) == 0 {
		delete(f.subscribers, taskID)
	}
}

// Subscribers returns the owners currently subscribed to taskID.
func (f *Fabric) Subscribers(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	owners := make([]string, 0, len(f.subscribers[taskID]))
	for owner := range f.subscribers[taskID] {
		owners = append(owners, owner)
	}
	return owners
}

// BroadcastResolution pushes event to every human connection of every owner
// subscribed to taskID. Terminal events consume the subscription except the
// part held by pending callbacks, so a later NotifyCallback still finds them.
func (f *Fabric) BroadcastResolution(taskID string, event scrape.TaskEvent) {
	f.mu.Lock()
	conns := f.humanConnsLocked(f.subscribedOwnersLocked(taskID))
	if event.Status.IsTerminal() {
		f.releaseSubscriptionsLocked(taskID)
	}
	f.mu.Unlock()

	f.send(taskID, conns, event)
}

// NotifyCallback fires and removes the pending callbacks of every owner
// subscribed to taskID, dropping the subscription each callback held.
func (f *Fabric) NotifyCallback(taskID string, event scrape.TaskEvent) {
	f.mu.Lock()
	fns := f.takeCallbacksLocked(taskID, f.subscribedOwnersLocked(taskID))
	f.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// ResolveTask delivers event over both paths from a single snapshot of the
// subscribers: human connections first, then one-shot callbacks. Both finish
// before it returns.
func (f *Fabric) ResolveTask(taskID string, event scrape.TaskEvent) {
	f.mu.Lock()
	owners := f.subscribedOwnersLocked(taskID)
	conns := f.humanConnsLocked(owners)
	fns := f.takeCallbacksLocked(taskID, owners)
	if event.Status.IsTerminal() {
		delete(f.subscribers, taskID)
	}
	f.mu.Unlock()

	f.send(taskID, conns, event)
	for _, fn := range fns {
		fn(event)
	}
}

// OnResolution registers a one-shot callback for (ownerID, taskID) and
// subscribes ownerID to the task. cancel removes the callback and the
// subscription if fn has not fired; it is safe to call more than once.
func (f *Fabric) OnResolution(ownerID, taskID string, fn func(scrape.TaskEvent)) (cancel func()) {
	cb := &callback{fn: fn}
	key := callbackKey(ownerID, taskID)

	f.mu.Lock()
	f.callbacks[key] = append(f.callbacks[key], cb)
	f.subscribeLocked(ownerID, taskID)
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if cb.fired {
				return
			}
			f.removeCallbackLocked(key, cb)
			f.unsubscribeLocked(ownerID, taskID)
		})
	}
}

// Await registers a one-shot waiter for (ownerID, taskID). The channel
// receives at most one event. cancel must be called when the caller stops
// waiting.
func (f *Fabric) Await(ownerID, taskID string) (<-chan scrape.TaskEvent, func()) {
	ch := make(chan scrape.TaskEvent, 1)
	cancel := f.OnResolution(ownerID, taskID, func(event scrape.TaskEvent) {
		select {
		case ch <- event:
		default:
		}
	})
	return ch, cancel
}

// WaitForResolution blocks until taskID resolves for ownerID, timeout
// elapses, or ctx ends. A timeout returns scrape.ErrTaskWaitTimeout and leaves
// no callback or subscription behind.
func (f *Fabric) WaitForResolution(
	ctx context.Context,
	ownerID, taskID string,
	timeout time.Duration,
) (scrape.TaskEvent, error) {
	events, cancel := f.Await(ownerID, taskID)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-events:
		return event, nil
	case <-timer.C:
		return scrape.TaskEvent{}, fmt.Errorf("%w: task %s after %s", scrape.ErrTaskWaitTimeout, taskID, timeout)
	case <-ctx.Done():
		return scrape.TaskEvent{}, fmt.Errorf("wait for resolution: %w", ctx.Err())
	}
}

// Stats returns current registry sizes.
func (f *Fabric) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := Stats{SubscribedTasks: len(f.subscribers)}
	for _, conns := range f.humans {
		stats.HumanConnections += len(conns)
	}
	for _, conns := range f.extensions {
		stats.ExtensionConnections += len(conns)
	}
	for _, cbs := range f.callbacks {
		stats.PendingCallbacks += len(cbs)
	}
	return stats
}

// Close drops every registry entry. Pending callbacks are discarded without
// firing; their waiters end on their own timeouts.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.humans = make(map[string]map[Conn]struct{})
	f.extensions = make(map[string][]Conn)
	f.subscribers = make(map[string]map[string]int)
	f.callbacks = make(map[string][]*callback)
}

func (f *Fabric) subscribedOwnersLocked(taskID string) []string {
	owners := make([]string, 0, len(f.subscribers[taskID]))
	for owner := range f.subscribers[taskID] {
		owners = append(owners, owner)
	}
	return owners
}

func (f *Fabric) humanConnsLocked(owners []string) map[string][]Conn {
	conns := make(map[string][]Conn, len(owners))
	for _, owner := range owners {
		for conn := range f.humans[owner] {
			conns[owner] = append(conns[owner], conn)
		}
	}
	return conns
}

func (f *Fabric) takeCallbacksLocked(taskID string, owners []string) []func(scrape.TaskEvent) {
	var fns []func(scrape.TaskEvent)
	for _, owner := range owners {
		key := callbackKey(owner, taskID)
		for _, cb := range f.callbacks[key] {
			cb.fired = true
			fns = append(fns, cb.fn)
			f.unsubscribeLocked(owner, taskID)
		}
		delete(f.callbacks, key)
	}
	return fns
}

// releaseSubscriptionsLocked trims each owner's subscription to taskID down
// to the count still held by that owner's pending callbacks.
func (f *Fabric) releaseSubscriptionsLocked(taskID string) {
	owners := f.subscribers[taskID]
	for owner := range owners {
		held := len(f.callbacks[callbackKey(owner, taskID)])
		if held == 0 {
			delete(owners, owner)
			continue
		}
		owners[owner] = held
	}
	if len(owners) == 0 {
		delete(f.subscribers, taskID)
	}
}

func (f *Fabric) removeCallbackLocked(key string, target *callback) {
	cbs := f.callbacks[key]
	for i, cb := range cbs {
		if cb == target {
			cbs = append(cbs[:i], cbs[i+1:]...)
			break
		}
	}
	if len(cbs) == 0 {
		delete(f.callbacks, key)
		return
	}
	f.callbacks[key] = cbs
}

func (f *Fabric) send(taskID string, conns map[string][]Conn, event scrape.TaskEvent) {
	for owner, ownerConns := range conns {
		for _, conn := range ownerConns {
			if err := conn.Send(event); err != nil {
				f.logger.Warn("broadcast resolution failed",
					zap.String("owner_id", owner),
					zap.String("task_id", taskID),
					zap.Error(err),
				)
			}
		}
	}
}

var _ scrape.Notifier = (*Fabric)(nil)
