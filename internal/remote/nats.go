package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"teamsync/internal/config"
	"teamsync/internal/domain"
	"teamsync/internal/fault"
	"teamsync/internal/logging"

	"github.com/nats-io/nats.go"
)

// NATSBackend serves documents from JetStream KV and functions over request/reply.
// Params: NATS connection, document and session KV buckets.
// Returns: NATS-backed Backend implementation.
type NATSBackend struct {
	nc        *nats.Conn
	docsKV    nats.KeyValue
	sessionKV nats.KeyValue
	settings  config.NATSBackendConfig
	logger    *slog.Logger
}

// NewNATSBackend connects and opens (or creates) KV buckets.
// Params: NATS backend settings and logger.
// Returns: initialized backend or setup error.
func NewNATSBackend(settings config.NATSBackendConfig, logger *slog.Logger) (*NATSBackend, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","), nats.Name("teamsync"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	docsKV, err := openBucket(js, settings.DocsBucket, !settings.RequireExistingBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	sessionKV, err := openBucket(js, settings.SessionBucket, !settings.RequireExistingBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSBackend{
		nc:        nc,
		docsKV:    docsKV,
		sessionKV: sessionKV,
		settings:  settings,
		logger:    logging.OrDiscard(logger),
	}, nil
}

// openBucket binds KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and create permission.
// Returns: KV handle or open/create error.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// Subscribe watches document key and reports every revision.
// Params: document path and callbacks (called from the watcher goroutine).
// Returns: idempotent unsubscribe or watch setup error.
func (b *NATSBackend) Subscribe(path string, onSnapshot func(domain.Document), onError func(error)) (func(), error) {
	key := domain.PathToKVKey(path)
	watcher, err := b.docsKV.Watch(key)
	if err != nil {
		return nil, fault.Unavailable("watch "+path, err)
	}
	stop := b.consume(watcher, func(entry nats.KeyValueEntry) {
		if entry == nil || entry.Operation() != nats.KeyValuePut {
			onSnapshot(nil)
			return
		}
		doc, err := domain.DecodeDocument(entry.Value())
		if err != nil {
			onError(fault.MarkPermanent(err))
			return
		}
		onSnapshot(doc)
	}, func(err error) {
		onError(fault.Unavailable("watch "+path, err))
	})
	return stop, nil
}

// Get reads document once.
// Params: context (unused by KV API) and path.
// Returns: document, nil when missing, or read error.
func (b *NATSBackend) Get(_ context.Context, path string) (domain.Document, error) {
	entry, err := b.docsKV.Get(domain.PathToKVKey(path))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fault.Unavailable("get "+path, err)
	}
	return domain.DecodeDocument(entry.Value())
}

// Invoke sends JSON request to <function_prefix>.<name> and decodes result envelope.
// Params: call context, function name, and payload.
// Returns: result, DomainError for non-success, or ErrRemoteUnavailable.
func (b *NATSBackend) Invoke(ctx context.Context, name string, payload any) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fault.Validation("encode %s payload: %v", name, err)
	}
	if _, ok := ctx.Deadline(); !ok && b.settings.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.settings.RequestTimeout())
		defer cancel()
	}
	msg, err := b.nc.RequestWithContext(ctx, b.functionSubject(name), body)
	if err != nil {
		return Result{}, fault.Unavailable("invoke "+name, err)
	}
	var result Result
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return Result{}, fault.Unavailable("invoke "+name, fmt.Errorf("decode result: %w", err))
	}
	return checkResult(name, result)
}

// OnIdentityChange watches identity key in the session bucket.
// Params: callback receiving nil when identity is absent or deleted.
// Returns: idempotent unsubscribe or watch error.
func (b *NATSBackend) OnIdentityChange(callback func(*domain.Identity)) (func(), error) {
	watcher, err := b.sessionKV.Watch(b.settings.IdentityKey)
	if err != nil {
		return nil, fault.Unavailable("watch identity", err)
	}
	return b.consume(watcher, func(entry nats.KeyValueEntry) {
		if entry == nil || entry.Operation() != nats.KeyValuePut {
			callback(nil)
			return
		}
		identity, err := domain.DecodeIdentity(entry.Value())
		if err != nil {
			b.logger.Warn("identity event ignored", "error", err.Error())
			return
		}
		callback(identity)
	}, func(err error) {
		b.logger.Error("identity watch stopped", "error", err.Error())
	}), nil
}

// consume pumps watcher updates until stopped.
// Params: watcher, per-entry handler, and termination handler.
// Returns: idempotent stop function.
func (b *NATSBackend) consume(watcher nats.KeyWatcher, onEntry func(nats.KeyValueEntry), onClosed func(error)) func() {
	var (
		mu      sync.Mutex
		stopped bool
		once    sync.Once
	)
	isStopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped
	}

	go func() {
		seen := false
		for entry := range watcher.Updates() {
			if isStopped() {
				return
			}
			if entry == nil {
				// Initial values are replayed; nil marks the end of the replay.
				if !seen {
					onEntry(nil)
				}
				seen = true
				continue
			}
			seen = true
			onEntry(entry)
		}
		if !isStopped() {
			onClosed(nats.ErrConnectionClosed)
		}
	}()

	return func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			if err := watcher.Stop(); err != nil {
				b.logger.Debug("kv watcher stop failed", "error", err.Error())
			}
		})
	}
}

// Put writes document under path; used for seeding and tests.
// Params: path and document.
// Returns: KV revision or write error.
func (b *NATSBackend) Put(path string, doc domain.Document) (uint64, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode document: %w", err)
	}
	rev, err := b.docsKV.Put(domain.PathToKVKey(path), body)
	if err != nil {
		return 0, fmt.Errorf("put document: %w", err)
	}
	return rev, nil
}

// Delete removes document under path.
func (b *NATSBackend) Delete(path string) error {
	if err := b.docsKV.Delete(domain.PathToKVKey(path)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// SetIdentity publishes identity into session bucket (nil signs out).
// Params: identity or nil.
// Returns: write error.
func (b *NATSBackend) SetIdentity(identity *domain.Identity) error {
	if identity == nil {
		if err := b.sessionKV.Delete(b.settings.IdentityKey); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("delete identity: %w", err)
		}
		return nil
	}
	body, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if _, err := b.sessionKV.Put(b.settings.IdentityKey, body); err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// ServeFunction answers function requests with handler.
// Params: function name and handler.
// Returns: NATS subscription or subscribe error.
func (b *NATSBackend) ServeFunction(name string, handler FunctionHandler) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.functionSubject(name), func(msg *nats.Msg) {
		result, err := handler(context.Background(), msg.Data)
		if err != nil {
			result = Fail(err.Error())
		}
		body, err := json.Marshal(result)
		if err != nil {
			b.logger.Error("function result encode failed", "function", name, "error", err.Error())
			return
		}
		if err := msg.Respond(body); err != nil {
			b.logger.Warn("function respond failed", "function", name, "error", err.Error())
		}
	})
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (b *NATSBackend) Close() error {
	b.nc.Close()
	return nil
}

func (b *NATSBackend) functionSubject(name string) string {
	return b.settings.FunctionPrefix + "." + name
}
