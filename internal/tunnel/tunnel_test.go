package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

var errBoom = errors.New("boom")

type fakeCounters struct {
	rx, tx atomic.Uint64
}

func (c *fakeCounters) AddBytesRx(n uint64) { c.rx.Add(n) }
func (c *fakeCounters) AddBytesTx(n uint64) { c.tx.Add(n) }

type fakeRecorder struct {
	mu  sync.Mutex
	buf map[Direction][]byte
	err error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{buf: map[Direction][]byte{}}
}

func (r *fakeRecorder) Record(dir Direction, p []byte) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	r.buf[dir] = append(r.buf[dir], cp...)
	return nil
}

func (r *fakeRecorder) bytes(dir Direction) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf[dir]
}

// pipePair returns two connected in-memory net.Conn endpoints.
func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestRun_ByteCountConservation(t *testing.T) {
	clientA, clientB := pipePair()
	targetA, targetB := pipePair()

	e, err := New(Config{BufferSize: 4096})
	require.NoError(t, err)

	counters := &fakeCounters{}
	recorder := newFakeRecorder()

	payload := []byte("hello from the client, this is a test payload")
	reply := []byte("hello back from the target")

	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), clientB, targetB, RunOptions{
			Counters: counters,
			Recorder: recorder,
		})
	}()

	go func() {
		clientA.Write(payload)
		got := make([]byte, len(payload))
		io.ReadFull(targetA, got)
		targetA.Write(reply)
		back := make([]byte, len(reply))
		io.ReadFull(clientA, back)
		clientA.Close()
		targetA.Close()
	}()

	select {
	case res := <-done:
		require.Contains(t, []gateway.Outcome{gateway.OutcomeSuccess, gateway.OutcomeError}, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel run did not finish")
	}

	require.Equal(t, uint64(len(payload)), counters.rx.Load())
	require.Equal(t, payload, recorder.bytes(ClientToTarget))
}

func TestRun_ForcedTerminateWithinGrace(t *testing.T) {
	clientA, clientB := pipePair()
	targetA, targetB := pipePair()
	defer clientA.Close()
	defer targetA.Close()

	e, err := New(Config{BufferSize: 4096, CloseGrace: 200 * time.Millisecond})
	require.NoError(t, err)

	terminated := make(chan struct{})

	done := make(chan Result, 1)
	start := time.Now()
	go func() {
		done <- e.Run(context.Background(), clientB, targetB, RunOptions{
			Terminated: terminated,
		})
	}()

	close(terminated)

	select {
	case res := <-done:
		require.Equal(t, gateway.OutcomeTerminated, res.Outcome)
		require.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("forced terminate did not complete within grace window")
	}
}

func TestRun_TTLTimeout(t *testing.T) {
	clientA, clientB := pipePair()
	targetA, targetB := pipePair()
	defer clientA.Close()
	defer targetA.Close()

	e, err := New(Config{BufferSize: 4096, CloseGrace: 100 * time.Millisecond})
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), clientB, targetB, RunOptions{
			Deadline: time.Now().Add(100 * time.Millisecond),
		})
	}()

	select {
	case res := <-done:
		require.Equal(t, gateway.OutcomeTimeout, res.Outcome)
	case <-time.After(3 * time.Second):
		t.Fatal("ttl timeout did not fire")
	}
}

func TestRun_RecordingFailureNonStrictContinues(t *testing.T) {
	clientA, clientB := pipePair()
	targetA, targetB := pipePair()

	e, err := New(Config{BufferSize: 4096})
	require.NoError(t, err)

	recorder := newFakeRecorder()
	recorder.err = errBoom

	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), clientB, targetB, RunOptions{
			Recorder:        recorder,
			RecordingStrict: false,
		})
	}()

	go func() {
		clientA.Write([]byte("x"))
		buf := make([]byte, 1)
		targetA.Read(buf)
		clientA.Close()
		targetA.Close()
	}()

	select {
	case res := <-done:
		require.NotEqual(t, gateway.OutcomePolicy, res.Outcome)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestRun_RecordingFailureStrictTearsDown(t *testing.T) {
	clientA, clientB := pipePair()
	targetA, targetB := pipePair()
	defer clientA.Close()
	defer targetA.Close()

	e, err := New(Config{BufferSize: 4096, CloseGrace: 100 * time.Millisecond})
	require.NoError(t, err)

	recorder := newFakeRecorder()
	recorder.err = errBoom

	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), clientB, targetB, RunOptions{
			Recorder:        recorder,
			RecordingStrict: true,
		})
	}()

	go clientA.Write([]byte("x"))

	select {
	case res := <-done:
		require.Equal(t, gateway.OutcomePolicy, res.Outcome)
	case <-time.After(3 * time.Second):
		t.Fatal("strict recording failure did not tear session down")
	}
}
