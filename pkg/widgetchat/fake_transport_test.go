package widgetchat

import (
	"context"
	"sync"
)

// fakeTransport records emitted events and lets tests fire inbound events at the subscribers.
type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connected   bool
	emitErr     error
	sent        []Event
	handlers    map[EventName]map[uint64]Handler
	nextID      uint64
}

var _ Transport = &fakeTransport{}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[EventName]map[uint64]Handler{}}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeTransport) Emit(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Subscribe(name EventName, h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[name] == nil {
		f.handlers[name] = map[uint64]Handler{}
	}
	f.handlers[name][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[name], id)
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) fire(ev Event) {
	f.mu.Lock()
	if _, ok := ev.(*ConnectedEvent); ok {
		f.connected = true
	}
	var hs []Handler
	for _, h := range f.handlers[ev.Name()] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeTransport) sentEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.sent...)
}

func sentOf[T Event](f *fakeTransport) []T {
	var out []T
	for _, ev := range f.sentEvents() {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
