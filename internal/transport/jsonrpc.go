// Package transport implements the line-framed JSON-RPC 2.0 contract spoken
// over a child worker process's stdio pipe: one JSON object per line, no
// batching, requests matched to responses by id, notifications fanned out
// by method name.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/gjson"

	"github.com/veyra/conduit/internal/core/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config parameterizes a JSONRPC transport.
type Config struct {
	DefaultTimeout time.Duration
	MaxLineBytes   int
	MaxPending     int
}

type pendingCall struct {
	resultCh chan rawResponse
}

type rawResponse struct {
	result gjson.Result
	errMsg string
	hasErr bool
}

// JSONRPC is a Transport over a bidirectional byte stream (typically a
// child process's stdin/stdout pipes glued together by the caller).
type JSONRPC struct {
	cfg     Config
	rw      io.ReadWriteCloser
	writeMu chan struct{} // 1-buffered mutex, avoids interleaved writes

	nextID  atomic.Int64
	pending *xsync.Map[string, *pendingCall]

	subsMu sync.Mutex
	subs   map[string][]func(raw []byte)

	closed     atomic.Bool
	readerDone chan struct{}
}

// New starts reading rw in a background goroutine and returns a ready transport.
func New(rw io.ReadWriteCloser, cfg Config) *JSONRPC {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 16 * 1024 * 1024
	}
	t := &JSONRPC{
		cfg:        cfg,
		rw:         rw,
		writeMu:    make(chan struct{}, 1),
		pending:    xsync.NewMap[string, *pendingCall](),
		subs:       make(map[string][]func(raw []byte)),
		readerDone: make(chan struct{}),
	}
	t.writeMu <- struct{}{}
	go t.readLoop()
	return t
}

type wireRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Call issues a request and blocks for its matching response.
func (t *JSONRPC) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	if t.closed.Load() {
		return domain.NewRuntimeError("", method, fmt.Errorf("transport closed"))
	}

	id := fmt.Sprintf("%d", t.nextID.Add(1))
	call := &pendingCall{resultCh: make(chan rawResponse, 1)}
	t.pending.Store(id, call)
	defer t.pending.Delete(id)

	if err := t.send(wireRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return domain.NewRuntimeError("", method, err)
	}

	timeout := t.cfg.DefaultTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return &domain.TimeoutError{Operation: method, Elapsed: timeout}
	case <-timer.C:
		return &domain.TimeoutError{Operation: method, Elapsed: timeout}
	case resp := <-call.resultCh:
		if resp.hasErr {
			return domain.NewRuntimeError("", method, fmt.Errorf("%s", resp.errMsg))
		}
		if result != nil {
			return json.Unmarshal([]byte(resp.result.Raw), result)
		}
		return nil
	}
}

// Notify sends a one-way message with no response expected.
func (t *JSONRPC) Notify(ctx context.Context, method string, params interface{}) error {
	if t.closed.Load() {
		return domain.NewRuntimeError("", method, fmt.Errorf("transport closed"))
	}
	return t.send(wireRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Subscribe registers a handler for a worker-emitted notification method.
// Subscription churn is low (one call per notification kind at startup),
// so a plain mutex-guarded map is simpler than a lock-free structure here.
func (t *JSONRPC) Subscribe(method string, handler func(raw []byte)) func() {
	t.subsMu.Lock()
	t.subs[method] = append(t.subs[method], handler)
	t.subsMu.Unlock()

	target := fmt.Sprintf("%p", handler)
	return func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		existing := t.subs[method]
		rebuilt := make([]func(raw []byte), 0, len(existing))
		for _, h := range existing {
			if fmt.Sprintf("%p", h) != target {
				rebuilt = append(rebuilt, h)
			}
		}
		t.subs[method] = rebuilt
	}
}

func (t *JSONRPC) send(msg wireRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	<-t.writeMu
	defer func() { t.writeMu <- struct{}{} }()
	_, err = t.rw.Write(data)
	return err
}

func (t *JSONRPC) readLoop() {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(t.rw)
	scanner.Buffer(make([]byte, 0, 64*1024), t.cfg.MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(append([]byte(nil), line...))
	}
}

func (t *JSONRPC) dispatch(line []byte) {
	parsed := gjson.ParseBytes(line)
	if id := parsed.Get("id"); id.Exists() {
		call, ok := t.pending.Load(id.String())
		if !ok {
			return
		}
		resp := rawResponse{result: parsed.Get("result")}
		if errVal := parsed.Get("error"); errVal.Exists() {
			resp.hasErr = true
			resp.errMsg = errVal.Get("message").String()
		}
		select {
		case call.resultCh <- resp:
		default:
		}
		return
	}

	method := parsed.Get("method").String()
	if method == "" {
		return
	}
	t.subsMu.Lock()
	handlers := append([]func(raw []byte){}, t.subs[method]...)
	t.subsMu.Unlock()
	for _, h := range handlers {
		h(line)
	}
}

// Close stops the read loop and closes the underlying stream.
func (t *JSONRPC) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.rw.Close()
	<-t.readerDone
	return err
}
