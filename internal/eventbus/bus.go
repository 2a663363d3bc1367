// Package eventbus implements the process-wide event system: named
// topics with synchronous, asynchronous, and scripting subscriber lists.
// One Emit call runs its subscribers one after another; separate Emit
// calls on the same topic from different goroutines are not serialized
// against each other. A panic or error from one subscriber never aborts
// dispatch to the rest.
package eventbus

import (
	"fmt"
	"sort"
	"sync"
)

// Event is the envelope passed to every subscriber. Args carries
// positional/keyword data by name rather than by a per-topic struct type,
// so the bus and the scripting bridge share one conversion path.
type Event struct {
	Name string
	Args map[string]any
}

// Handler is a synchronous or asynchronous subscriber callback.
type Handler func(Event) error

// ScriptInterpreter is the narrow surface the scripting bridge needs.
// The bus never imports a concrete scripting engine; callers register
// whatever implements this.
type ScriptInterpreter interface {
	CallGlobal(name string, args ...any) (any, error)
}

type subscriber struct {
	id      uint64
	fn      Handler
	fnKey   uintptr // never set; subscribers are removed only by ID via Unregister
}

type scriptedSubscriber struct {
	id          uint64
	handlerName string
	interp      ScriptInterpreter
}

type topic struct {
	mu       sync.Mutex // guards the subscriber lists; released before dispatch
	sync_    []subscriber
	async    []subscriber
	scripted []scriptedSubscriber
}

// Bus is the event dispatcher. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	nextID uint64

	onHandlerErr func(topicName string, err error)
}

// New constructs an empty Bus. onHandlerErr, if non-nil, is called with
// every error or recovered panic from a subscriber, for logging.
func New(onHandlerErr func(topicName string, err error)) *Bus {
	return &Bus{
		topics:       make(map[string]*topic),
		onHandlerErr: onHandlerErr,
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

// RegisterSync subscribes fn to run synchronously (in registration order,
// after async subscribers for EmitBoth) when topicName is emitted.
func (b *Bus) RegisterSync(topicName string, fn Handler) uint64 {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()
	t.sync_ = append(t.sync_, subscriber{id: id, fn: fn})
	return id
}

// RegisterAsync subscribes fn to run as part of the async (cooperative)
// dispatch for topicName.
func (b *Bus) RegisterAsync(topicName string, fn Handler) uint64 {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()
	t.async = append(t.async, subscriber{id: id, fn: fn})
	return id
}

// RegisterScripted subscribes an opaque scripting interpreter's global
// function handlerName to topicName.
func (b *Bus) RegisterScripted(topicName, handlerName string, interp ScriptInterpreter) uint64 {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()
	t.scripted = append(t.scripted, scriptedSubscriber{id: id, handlerName: handlerName, interp: interp})
	return id
}

// Unregister removes a subscriber by the ID returned from Register*.
func (b *Bus) Unregister(topicName string, id uint64) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sync_ = removeSub(t.sync_, id)
	t.async = removeSub(t.async, id)
	filtered := t.scripted[:0]
	for _, s := range t.scripted {
		if s.id != id {
			filtered = append(filtered, s)
		}
	}
	t.scripted = filtered
}

func removeSub(subs []subscriber, id uint64) []subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) dispatch(subs []subscriber, ev Event) {
	for _, s := range subs {
		b.callOne(s, ev)
	}
}

func (b *Bus) callOne(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.onHandlerErr != nil {
				b.onHandlerErr(ev.Name, fmt.Errorf("panic: %v", r))
			}
		}
	}()
	if err := s.fn(ev); err != nil && b.onHandlerErr != nil {
		b.onHandlerErr(ev.Name, err)
	}
}

// EmitSync runs every synchronous subscriber for topicName in registration
// order, isolating failures per subscriber.
func (b *Bus) EmitSync(topicName string, args map[string]any) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	subs := append([]subscriber(nil), t.sync_...)
	t.mu.Unlock()
	b.dispatch(subs, Event{Name: topicName, Args: args})
}

// EmitAsync runs every async subscriber for topicName, isolating failures
// per subscriber. Despite the name, dispatch to a single topic's async
// subscribers is still strictly sequential — "async" here means
// cooperative with the rest of the server, not concurrent with itself.
func (b *Bus) EmitAsync(topicName string, args map[string]any) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	subs := append([]subscriber(nil), t.async...)
	t.mu.Unlock()
	b.dispatch(subs, Event{Name: topicName, Args: args})
}

// EmitBoth runs async subscribers, then sync subscribers, for topicName.
func (b *Bus) EmitBoth(topicName string, args map[string]any) {
	b.EmitAsync(topicName, args)
	b.EmitSync(topicName, args)
}

// EmitScripted calls every scripted subscriber's global handler for
// topicName and returns their return values in registration order. A
// handler that errors logs via onHandlerErr and contributes a nil result.
func (b *Bus) EmitScripted(topicName string, args ...any) []any {
	t := b.topicFor(topicName)
	t.mu.Lock()
	subs := append([]scriptedSubscriber(nil), t.scripted...)
	t.mu.Unlock()

	results := make([]any, 0, len(subs))
	for _, s := range subs {
		res, err := b.callScripted(s, args...)
		if err != nil && b.onHandlerErr != nil {
			b.onHandlerErr(topicName, err)
		}
		results = append(results, res)
	}
	return results
}

func (b *Bus) callScripted(s scriptedSubscriber, args ...any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.interp.CallGlobal(s.handlerName, args...)
}

// Topics returns the known topic names, sorted, for diagnostics.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
