package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker answers every request on its side of a net.Pipe the way a
// real child worker process would: read a line, write a line back.
func fakeWorker(t *testing.T, conn net.Conn, respond func(id, method string) string) {
	t.Helper()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		id := gjsonGet(line, "id")
		method := gjsonGet(line, "method")
		resp := respond(id, method)
		if resp != "" {
			_, _ = conn.Write([]byte(resp + "\n"))
		}
	}
}

func gjsonGet(line, key string) string {
	// minimal, test-only extraction to avoid importing gjson twice for a trivial need
	idx := -1
	needle := "\"" + key + "\":"
	for i := 0; i+len(needle) <= len(line); i++ {
		if line[i:i+len(needle)] == needle {
			idx = i + len(needle)
			break
		}
	}
	if idx < 0 {
		return ""
	}
	rest := line[idx:]
	if len(rest) > 0 && rest[0] == '"' {
		end := 1
		for end < len(rest) && rest[end] != '"' {
			end++
		}
		return rest[1:end]
	}
	return ""
}

func TestJSONRPC_CallRoundTrip(t *testing.T) {
	clientConn, workerConn := net.Pipe()
	defer clientConn.Close()
	defer workerConn.Close()

	go fakeWorker(t, workerConn, func(id, method string) string {
		if method != "load_model" {
			return ""
		}
		return `{"jsonrpc":"2.0","id":"` + id + `","result":{"state":"ready"}}`
	})

	tr := New(clientConn, Config{DefaultTimeout: time.Second})
	defer tr.Close()

	var result struct {
		State string `json:"state"`
	}
	err := tr.Call(context.Background(), "load_model", map[string]string{"model_id": "m"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "ready", result.State)
}

func TestJSONRPC_CallTimesOutWithNoResponse(t *testing.T) {
	clientConn, workerConn := net.Pipe()
	defer clientConn.Close()
	defer workerConn.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := workerConn.Read(buf); err != nil {
				return
			}
		}
	}()

	tr := New(clientConn, Config{DefaultTimeout: 20 * time.Millisecond})
	defer tr.Close()

	err := tr.Call(context.Background(), "generate", nil, nil)
	require.Error(t, err)
}

func TestJSONRPC_SubscribeReceivesNotification(t *testing.T) {
	clientConn, workerConn := net.Pipe()
	defer clientConn.Close()
	defer workerConn.Close()

	tr := New(clientConn, Config{DefaultTimeout: time.Second})
	defer tr.Close()

	received := make(chan []byte, 1)
	unsub := tr.Subscribe("stream.chunk", func(raw []byte) {
		received <- raw
	})
	defer unsub()

	go func() {
		_, _ = workerConn.Write([]byte(`{"jsonrpc":"2.0","method":"stream.chunk","params":{"token":"hi"}}` + "\n"))
	}()

	select {
	case raw := <-received:
		assert.Contains(t, string(raw), "stream.chunk")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
