package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// connPair wires two Conns back to back over an in-memory pipe.
func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	left := NewConn(a, zap.NewNop())
	right := NewConn(b, zap.NewNop())
	t.Cleanup(func() {
		_ = left.Close(nil)
		_ = right.Close(nil)
	})
	return left, right
}

func TestCallRoundTrip(t *testing.T) {
	client, server := connPair(t)

	server.Handle("echo", func(_ context.Context, params json.RawMessage) (any, *Error) {
		var in map[string]string
		require.NoError(t, json.Unmarshal(params, &in))
		return map[string]string{"echo": in["value"]}, nil
	})

	client.Start()
	server.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := client.Call(ctx, "echo", map[string]string{"value": "hello"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hello", out["echo"])
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	client, server := connPair(t)

	server.Handle("double", func(_ context.Context, params json.RawMessage) (any, *Error) {
		var in struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, NewError(CodeInvalidParams, err.Error(), nil)
		}
		return map[string]int{"n": in.N * 2}, nil
	})

	client.Start()
	server.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const calls = 32
	var wg sync.WaitGroup
	errs := make([]error, calls)
	results := make([]int, calls)

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := client.Call(ctx, "double", map[string]int{"n": i})
			if err != nil {
				errs[i] = err
				return
			}
			var out struct {
				N int `json:"n"`
			}
			errs[i] = json.Unmarshal(raw, &out)
			results[i] = out.N
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i], "call %d", i)
		assert.Equal(t, i*2, results[i], "call %d got someone else's response", i)
	}
}

// TestOutOfOrderResponses replies to a batch of requests in reverse
// arrival order and checks each caller still receives its own result.
func TestOutOfOrderResponses(t *testing.T) {
	a, b := net.Pipe()
	client := NewConn(a, zap.NewNop())
	t.Cleanup(func() { _ = client.Close(nil) })
	client.Start()

	const calls = 8

	// Manual peer: collect all requests, then answer newest-first.
	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		reader := bufio.NewReader(b)
		var reqs []Message
		for len(reqs) < calls {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			reqs = append(reqs, msg)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			var in struct {
				N int `json:"n"`
			}
			_ = json.Unmarshal(reqs[i].Params, &in)
			result, _ := json.Marshal(map[string]int{"n": in.N})
			resp, _ := json.Marshal(Message{JSONRPC: Version, ID: reqs[i].ID, Result: result})
			if _, err := b.Write(append(resp, '\n')); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	mismatches := make([]string, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := client.Call(ctx, "probe", map[string]int{"n": i})
			if err != nil {
				mismatches[i] = err.Error()
				return
			}
			var out struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				mismatches[i] = err.Error()
			} else if out.N != i {
				mismatches[i] = fmt.Sprintf("sent %d, got %d", i, out.N)
			}
		}(i)
	}
	wg.Wait()
	<-peerDone
	_ = b.Close()

	for i, m := range mismatches {
		assert.Empty(t, m, "call %d", i)
	}
}

func TestCloseRejectsPendingWithReason(t *testing.T) {
	client, server := connPair(t)

	release := make(chan struct{})
	server.Handle("stall", func(_ context.Context, _ json.RawMessage) (any, *Error) {
		<-release
		return nil, nil
	})
	defer close(release)

	client.Start()
	server.Start()

	reason := fmt.Errorf("runner fell over")
	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "stall", nil)
		callErr <- err
	}()

	// Give the request time to reach the stalled handler.
	require.Eventually(t, func() bool { return client.Pending() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close(reason))

	select {
	case err := <-callErr:
		assert.ErrorIs(t, err, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected on close")
	}
}

func TestCallAfterCloseFailsFast(t *testing.T) {
	client, _ := connPair(t)
	client.Start()

	require.NoError(t, client.Close(nil))

	_, err := client.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestPeerDisconnectClosesConn(t *testing.T) {
	client, server := connPair(t)
	client.Start()
	server.Start()

	require.NoError(t, server.Close(nil))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed peer disconnect")
	}
	assert.Error(t, client.Err())
}

func TestNotificationsPreserveOrder(t *testing.T) {
	client, server := connPair(t)

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	server.OnNotify("tick", func(params json.RawMessage) {
		var in struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(params, &in)
		mu.Lock()
		seen = append(seen, in.N)
		if len(seen) == 20 {
			close(done)
		}
		mu.Unlock()
	})

	client.Start()
	server.Start()

	for i := 0; i < 20; i++ {
		require.NoError(t, client.Notify("tick", map[string]int{"n": i}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		assert.Equal(t, i, n, "notification order not preserved")
	}
}

func TestUnknownMethodReturnsError(t *testing.T) {
	client, server := connPair(t)
	client.Start()
	server.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "no-such-method", nil)
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	client, server := connPair(t)
	server.Handle("boom", func(_ context.Context, _ json.RawMessage) (any, *Error) {
		panic("kaboom")
	})
	client.Start()
	server.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "boom", nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "kaboom")
}

func TestLateResponseIsDropped(t *testing.T) {
	client, server := connPair(t)

	release := make(chan struct{})
	server.Handle("slow", func(_ context.Context, _ json.RawMessage) (any, *Error) {
		<-release
		return map[string]bool{"late": true}, nil
	})
	client.Start()
	server.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, client.Pending())

	// Let the stale response flow; it must not disturb a fresh call.
	close(release)

	server.Handle("ping", func(_ context.Context, _ json.RawMessage) (any, *Error) {
		return map[string]bool{"ok": true}, nil
	})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	raw, err := client.Call(ctx2, "ping", nil)
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, out["ok"])
}

func TestIsTimeout(t *testing.T) {
	plain := NewError(CodeExecutionError, "failed", nil)
	assert.False(t, IsTimeout(plain))

	timeout := NewError(CodeExecutionError, "node run timed out", TimeoutData{TimeoutMs: 5000})
	assert.True(t, IsTimeout(timeout))
}
