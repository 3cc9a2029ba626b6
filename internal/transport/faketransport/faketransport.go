// Package faketransport is an in-memory ports.Transport double used in
// tests in place of a real child worker process.
package faketransport

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler answers a single Call by method name.
type Handler func(ctx context.Context, params interface{}) (interface{}, error)

// Fake is a programmable in-memory transport.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	subs     map[string][]func(raw []byte)
	closed   bool
}

// Call records one invocation for assertions.
type Call struct {
	Method string
	Params interface{}
}

// New returns an empty fake transport; register handlers with On.
func New() *Fake {
	return &Fake{
		handlers: make(map[string]Handler),
		subs:     make(map[string][]func(raw []byte)),
	}
}

// On registers the handler invoked for a given RPC method.
func (f *Fake) On(method string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
	return f
}

// Calls returns a copy of every call observed so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call{}, f.calls...)
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *Fake) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: params})
	h, ok := f.handlers[method]
	f.mu.Unlock()

	if !ok {
		return nil
	}
	out, err := h(ctx, params)
	if err != nil {
		return err
	}
	if result != nil && out != nil {
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, result)
	}
	return nil
}

func (f *Fake) Notify(ctx context.Context, method string, params interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: params})
	f.mu.Unlock()
	return nil
}

func (f *Fake) Subscribe(method string, handler func(raw []byte)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[method] = append(f.subs[method], handler)
	return func() {}
}

// Emit delivers a fake worker notification to every subscriber of method.
func (f *Fake) Emit(method string, payload interface{}) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	handlers := append([]func(raw []byte){}, f.subs[method]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
