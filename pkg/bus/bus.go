// Package bus is the in-process event and service bus every pipeline stage
// talks through.
//
// Topics are typed at compile time (Topic[T]) and owned by their first
// registrant. Publish delivers synchronously in the publisher's goroutine,
// in subscription order. Services are named functions owned by a stage and
// invoked either inline (CallSync) or on a fixed worker pool (CallAsync)
// that returns a correlation id and a Future. Async calls can be cancelled
// cooperatively through their context.
//
// Example:
//
//	b, _ := bus.New()
//	defer b.Close()
//
//	speech := bus.NewTopic[string]("speech")
//	_ = bus.Register(b, speech, "vad")
//	sub, _ := bus.Subscribe(b, speech, func(s string) { fmt.Println(s) })
//	defer sub.Revoke()
//	bus.Publish(b, speech, "hello")
//
//	_ = b.RegisterService("asr", "transcribe", transcribe, bus.Async)
//	id, fut, _ := b.CallAsync(ctx, "asr", "transcribe", segment)
//	text, err := bus.Await[string](ctx, fut)
package bus

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// Bus routes events and service calls between stages.
type Bus struct {
	config  *Config
	logger  *slog.Logger
	metrics metrics.Provider

	// routing tables
	mu       sync.RWMutex
	topics   map[string]*topicEntry
	services map[serviceKey]*service
	nextSub  uint64

	// pending-call bookkeeping, the only shared mutable state
	callsMu sync.Mutex
	calls   map[string]*call

	queue     chan *call
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type topicEntry struct {
	owner string
	typ   reflect.Type
	// copy-on-write so Publish can iterate without holding the lock
	subs []*Subscription
}

// New creates a bus and starts its worker pool.
func New(opts ...Option) (*Bus, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bus{
		config:   cfg,
		logger:   cfg.Logger.With("component", "bus"),
		metrics:  metrics.Or(cfg.Metrics),
		topics:   make(map[string]*topicEntry),
		services: make(map[serviceKey]*service),
		calls:    make(map[string]*call),
		queue:    make(chan *call, cfg.QueueSize),
		closed:   make(chan struct{}),
	}

	b.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go b.worker()
	}
	return b, nil
}

// Close stops the worker pool. Queued calls are cancelled and running calls
// have their contexts cancelled; Close waits for workers to return.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)

		b.callsMu.Lock()
		for _, c := range b.calls {
			c.cancel()
		}
		b.callsMu.Unlock()

		b.wg.Wait()

		for {
			select {
			case c := <-b.queue:
				b.finishCancelled(c)
			default:
				return
			}
		}
	})
	return nil
}

// TopicInfo describes a registered topic.
type TopicInfo struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Type        string `json:"type"`
	Subscribers int    `json:"subscribers"`
}

// Topics lists registered topics sorted by name.
func (b *Bus) Topics() []TopicInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TopicInfo, 0, len(b.topics))
	for name, e := range b.topics {
		out = append(out, TopicInfo{Name: name, Owner: e.owner, Type: e.typ.String(), Subscribers: len(e.subs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Mode  string `json:"mode"`
}

// Services lists registered services sorted by owner then name.
func (b *Bus) Services() []ServiceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(b.services))
	for k, s := range b.services {
		out = append(out, ServiceInfo{Owner: k.owner, Name: k.name, Mode: s.mode.String()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Pending returns the number of async calls whose outcome has not been observed.
func (b *Bus) Pending() int {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	return len(b.calls)
}
