package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"teamsync/internal/domain"
	"teamsync/internal/fault"

	"github.com/mitchellh/copystructure"
)

// FunctionHandler answers one named function in the in-memory backend.
// Params: call context and JSON payload.
// Returns: result envelope or transport error.
type FunctionHandler func(ctx context.Context, payload json.RawMessage) (Result, error)

type memorySub struct {
	id         uint64
	path       string
	onSnapshot func(domain.Document)
	onError    func(error)
}

type failRule struct {
	remaining int
	always    bool
	err       error
}

// Memory is an in-process Backend for single mode and tests.
// Params: documents, live listeners, failure rules, function handlers, identity.
// Returns: thread-safe backend that calls listeners synchronously.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]domain.Document
	subs     map[uint64]*memorySub
	nextID   uint64
	fails    map[string]*failRule
	handlers map[string]FunctionHandler
	identity *domain.Identity
	idSubs   map[uint64]func(*domain.Identity)
	calls    map[string]int
	invokes  map[string]int
	closed   bool
}

// NewMemory creates empty in-memory backend.
// Params: none.
// Returns: backend with no documents, signed out.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]domain.Document),
		subs:     make(map[uint64]*memorySub),
		fails:    make(map[string]*failRule),
		handlers: make(map[string]FunctionHandler),
		idSubs:   make(map[uint64]func(*domain.Identity)),
		calls:    make(map[string]int),
		invokes:  make(map[string]int),
	}
}

// Subscribe registers listener and delivers current document or injected failure.
// Params: document path and callbacks.
// Returns: idempotent unsubscribe.
func (m *Memory) Subscribe(path string, onSnapshot func(domain.Document), onError func(error)) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fault.Unavailable("subscribe "+path, errClosed)
	}
	m.calls[path]++
	if failure := m.takeFailureLocked(path); failure != nil {
		m.mu.Unlock()
		if onError != nil {
			onError(failure)
		}
		return func() {}, nil
	}
	m.nextID++
	sub := &memorySub{id: m.nextID, path: path, onSnapshot: onSnapshot, onError: onError}
	m.subs[sub.id] = sub
	doc := copyDocument(m.docs[path])
	m.mu.Unlock()

	if onSnapshot != nil {
		onSnapshot(doc)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub.id)
			m.mu.Unlock()
		})
	}, nil
}

// Get reads document copy.
// Params: context (unused) and path.
// Returns: document or nil when absent.
func (m *Memory) Get(_ context.Context, path string) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fault.Unavailable("get "+path, errClosed)
	}
	return copyDocument(m.docs[path]), nil
}

// Invoke runs registered function handler.
// Params: context, function name, and payload encoded to JSON.
// Returns: result, DomainError for non-success, or ErrRemoteUnavailable.
func (m *Memory) Invoke(ctx context.Context, name string, payload any) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fault.Validation("encode %s payload: %v", name, err)
	}
	m.mu.Lock()
	handler, ok := m.handlers[name]
	m.invokes[name]++
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return Result{}, fault.Unavailable("invoke "+name, errClosed)
	}
	if !ok {
		return Result{}, fault.Unavailable("invoke "+name, fmt.Errorf("no handler for %s", name))
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fault.Unavailable("invoke "+name, err)
	}
	result, err := handler(ctx, body)
	if err != nil {
		return Result{}, fault.Unavailable("invoke "+name, err)
	}
	return checkResult(name, result)
}

// OnIdentityChange registers identity listener and delivers current identity.
// Params: callback receiving nil on sign-out.
// Returns: idempotent unsubscribe.
func (m *Memory) OnIdentityChange(callback func(*domain.Identity)) (func(), error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.idSubs[id] = callback
	current := copyIdentity(m.identity)
	m.mu.Unlock()

	callback(current)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.idSubs, id)
			m.mu.Unlock()
		})
	}, nil
}

// Close drops every listener; later calls fail with ErrRemoteUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[uint64]*memorySub)
	m.idSubs = make(map[uint64]func(*domain.Identity))
	return nil
}

// Put stores document and notifies listeners of path.
// Params: path and document.
// Returns: none.
func (m *Memory) Put(path string, doc domain.Document) {
	m.mu.Lock()
	m.docs[path] = copyDocument(doc)
	targets := m.listenersLocked(path)
	m.mu.Unlock()
	for _, sub := range targets {
		if sub.onSnapshot != nil {
			sub.onSnapshot(copyDocument(doc))
		}
	}
}

// Delete removes document and notifies listeners with nil.
func (m *Memory) Delete(path string) {
	m.mu.Lock()
	delete(m.docs, path)
	targets := m.listenersLocked(path)
	m.mu.Unlock()
	for _, sub := range targets {
		if sub.onSnapshot != nil {
			sub.onSnapshot(nil)
		}
	}
}

// Break delivers err to every live listener of path.
// Params: path and error.
// Returns: number of listeners notified.
func (m *Memory) Break(path string, err error) int {
	m.mu.Lock()
	targets := m.listenersLocked(path)
	m.mu.Unlock()
	for _, sub := range targets {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
	return len(targets)
}

// FailNext makes the next n subscribes to path deliver err instead of a snapshot.
func (m *Memory) FailNext(path string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[path] = &failRule{remaining: n, err: err}
}

// FailAlways makes every subscribe to path deliver err until Recover.
func (m *Memory) FailAlways(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[path] = &failRule{always: true, err: err}
}

// Recover clears failure injection for path.
func (m *Memory) Recover(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fails, path)
}

// Handle registers function handler.
// Params: function name and handler.
// Returns: none.
func (m *Memory) Handle(name string, handler FunctionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = handler
}

// SetIdentity publishes identity change (nil signs out).
func (m *Memory) SetIdentity(identity *domain.Identity) {
	m.mu.Lock()
	m.identity = copyIdentity(identity)
	callbacks := make([]func(*domain.Identity), 0, len(m.idSubs))
	for _, cb := range m.idSubs {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(copyIdentity(identity))
	}
}

// Live reports live listeners of path.
func (m *Memory) Live(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listenersLocked(path))
}

// SubscribeCalls reports total subscribe calls for path.
func (m *Memory) SubscribeCalls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// Invocations reports total calls of function name.
func (m *Memory) Invocations(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invokes[name]
}

func (m *Memory) listenersLocked(path string) []*memorySub {
	out := make([]*memorySub, 0)
	for _, sub := range m.subs {
		if sub.path == path {
			out = append(out, sub)
		}
	}
	return out
}

func (m *Memory) takeFailureLocked(path string) error {
	rule, ok := m.fails[path]
	if !ok {
		return nil
	}
	if rule.always {
		return rule.err
	}
	rule.remaining--
	if rule.remaining <= 0 {
		delete(m.fails, path)
	}
	return rule.err
}

func copyDocument(doc domain.Document) domain.Document {
	if doc == nil {
		return nil
	}
	copied, err := copystructure.Copy(doc)
	if err != nil {
		return nil
	}
	return copied.(domain.Document)
}

func copyIdentity(identity *domain.Identity) *domain.Identity {
	if identity == nil {
		return nil
	}
	out := *identity
	out.TeamIDs = append([]string(nil), identity.TeamIDs...)
	return &out
}
