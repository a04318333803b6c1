package pty

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec is an in-memory Exec double: Write appends go straight to a pipe
// that Read drains, so tests can push "pty output" without a real container.
type fakeExec struct {
	mu       sync.Mutex
	written  [][]byte
	resizes  [][2]uint
	r        *io.PipeReader
	w        *io.PipeWriter
	closed   bool
}

func newFakeExec() *fakeExec {
	r, w := io.Pipe()
	return &fakeExec{r: r, w: w}
}

func (f *fakeExec) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fakeExec) Write(p []byte) (int, error) {
	f.mu.Lock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeExec) Resize(ctx context.Context, cols, rows uint) error {
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]uint{cols, rows})
	f.mu.Unlock()
	return nil
}

func (f *fakeExec) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.w.Close()
}

// push simulates PTY output arriving from the container.
func (f *fakeExec) push(data []byte) {
	_, _ = f.w.Write(data)
}

type fakeSink struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (s *fakeSink) SendText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.chunks = append(s.chunks, cp)
	return nil
}

func (s *fakeSink) Close(code int, reason string) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) all() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func TestTransportDeliversOutputToAttachedSink(t *testing.T) {
	exec := newFakeExec()
	tr := New(exec, nil)
	sink := &fakeSink{}

	require.NoError(t, tr.Attach(context.Background(), sink, 80, 24))
	exec.push([]byte("hello"))

	waitUntil(t, time.Second, func() bool { return len(sink.all()) > 0 })
	assert.Equal(t, "hello", string(sink.all()))
}

func TestTransportSilentGateDiscardsOutput(t *testing.T) {
	exec := newFakeExec()
	tr := New(exec, nil)
	sink := &fakeSink{}
	require.NoError(t, tr.Attach(context.Background(), sink, 80, 24))

	tr.SetSilent(true)
	exec.push([]byte("setup noise"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.all(), "output during the silent gate must be discarded")

	tr.SetSilent(false)
	exec.push([]byte("visible"))
	waitUntil(t, time.Second, func() bool { return len(sink.all()) > 0 })
	assert.Equal(t, "visible", string(sink.all()))
}

func TestTransportReplaysBufferOnReattach(t *testing.T) {
	exec := newFakeExec()
	tr := New(exec, nil)

	exec.push([]byte("before attach"))
	waitUntil(t, time.Second, func() bool { return tr.bufferLen() > 0 })

	sink := &fakeSink{}
	require.NoError(t, tr.Attach(context.Background(), sink, 80, 24))

	replayed := sink.all()
	require.Contains(t, string(replayed), ansiReset)
	assert.Contains(t, string(replayed), "before attach")
}

func TestTransportBufferTruncatesToMaxSize(t *testing.T) {
	exec := newFakeExec()
	tr := New(exec, nil)

	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 'x'
	}
	total := 0
	for total < maxBufferSize+8192 {
		exec.push(chunk)
		total += len(chunk)
	}

	waitUntil(t, 2*time.Second, func() bool { return tr.bufferLen() == maxBufferSize })
	assert.Equal(t, maxBufferSize, tr.bufferLen())
}

func TestTransportWriteOrdersInputToExec(t *testing.T) {
	exec := newFakeExec()
	tr := New(exec, nil)

	require.NoError(t, tr.Write([]byte("ls\n")))
	require.NoError(t, tr.Write([]byte("pwd\n")))

	require.Len(t, exec.written, 2)
	assert.Equal(t, "ls\n", string(exec.written[0]))
	assert.Equal(t, "pwd\n", string(exec.written[1]))
}

func TestTransportMarksDeadAndClosesSinkOnExit(t *testing.T) {
	exec := newFakeExec()
	var exited bool
	tr := New(exec, func() { exited = true })
	sink := &fakeSink{}
	require.NoError(t, tr.Attach(context.Background(), sink, 80, 24))

	require.NoError(t, exec.w.Close())

	waitUntil(t, time.Second, tr.IsDead)
	waitUntil(t, time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closed
	})
	assert.True(t, exited)
}

func TestTransportAttachAfterExitFails(t *testing.T) {
	exec := newFakeExec()
	tr := New(exec, nil)
	require.NoError(t, exec.w.Close())
	waitUntil(t, time.Second, tr.IsDead)

	err := tr.Attach(context.Background(), &fakeSink{}, 80, 24)
	assert.Error(t, err)
}

func TestBridgeWritesInboundMessagesInOrder(t *testing.T) {
	exec := newFakeExec()
	tr := New(exec, nil)
	inbound := make(chan []byte, 2)
	inbound <- []byte("a")
	inbound <- []byte("b")
	close(inbound)

	err := Bridge(context.Background(), tr, inbound)
	assert.NoError(t, err)
	require.Len(t, exec.written, 2)
	assert.Equal(t, "a", string(exec.written[0]))
	assert.Equal(t, "b", string(exec.written[1]))
}
