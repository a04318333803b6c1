// Package pty implements the PTY Transport: one pseudo-terminal pipeline per
// session, bridging a duplex channel to the interactive shell running inside
// the session's container. The bridging and ring-buffer design is adapted
// from a terminal-session manager pattern found across the example
// corpus (ManagedSession: read loop -> ring buffer -> broadcast to
// subscribers), rewired here to operate per-session rather than over a
// global hub, and to a single subscriber at a time per the specification's
// "at most one live duplex channel" invariant.
package pty

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandboxd/sandboxd/internal/apierrors"
	"github.com/sandboxd/sandboxd/internal/logging"
)

// maxBufferSize bounds the replay ring buffer kept for session reattach.
const maxBufferSize = 64 * 1024

// ansiReset is prepended to buffer replays so a truncated escape sequence
// never leaks stale text attributes into the reattached terminal.
const ansiReset = "\x1b[0m"

// Exec is the narrow capability the transport needs from a container exec
// session (satisfied by *containers.ExecSession).
type Exec interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, cols, rows uint) error
	Close() error
}

// Sink receives bytes the transport wants delivered to the attached client,
// and is notified when the underlying shell exits. Implemented by the
// duplex channel in internal/httpapi.
type Sink interface {
	SendText(data []byte) error
	Close(code int, reason string) error
}

// Transport owns one pseudo-terminal pipeline for a single session: an exec
// stream into the container, a replay buffer, a silent gate, and whichever
// Sink is currently attached.
type Transport struct {
	exec Exec

	mu       sync.Mutex
	sink     Sink
	silent   bool
	buffer   []byte
	outBytes int64 // total PTY bytes read, gated ones included
	dead     bool
	doneCh   chan struct{}
	closeOnce sync.Once

	onExit func()
}

// New wraps an already-attached exec session and starts the outbound read
// loop immediately (outbound bytes are buffered from the very first byte,
// even before any client attaches).
func New(exec Exec, onExit func()) *Transport {
	t := &Transport{
		exec:   exec,
		buffer: make([]byte, 0, 4096),
		doneCh: make(chan struct{}),
		onExit: onExit,
	}
	go t.readLoop()
	return t
}

// readLoop is the single goroutine reading PTY output for the lifetime of
// the transport; it is the only writer of t.buffer and the only caller of
// t.deliver, so ordering within the outbound direction is automatic.
func (t *Transport) readLoop() {
	defer t.markDead()
	buf := make([]byte, 4096)
	for {
		n, err := t.exec.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.appendBuffer(chunk)
			t.deliver(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (t *Transport) appendBuffer(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	t.outBytes += int64(len(data))
	if t.silent {
		return
	}
	t.buffer = append(t.buffer, data...)
	if len(t.buffer) > maxBufferSize {
		t.buffer = t.buffer[len(t.buffer)-maxBufferSize:]
	}
}

// deliver sends one outbound chunk to the attached sink, honoring the
// silent gate (invariant P5: PTY output is discarded if and only if init is
// in progress).
func (t *Transport) deliver(data []byte) {
	t.mu.Lock()
	sink := t.sink
	silent := t.silent
	t.mu.Unlock()

	if sink == nil || silent {
		return
	}
	if err := sink.SendText(data); err != nil {
		logging.PTY().Warn().Err(err).Msg("failed to deliver pty output, detaching sink")
		t.mu.Lock()
		t.sink = nil
		t.mu.Unlock()
	}
}

func (t *Transport) markDead() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.dead = true
		sink := t.sink
		t.mu.Unlock()
		close(t.doneCh)
		if sink != nil {
			_ = sink.Close(1000, "shell exited")
		}
		if t.onExit != nil {
			t.onExit()
		}
	})
}

// Attach installs sink as the transport's live subscriber, replaying the
// retained output buffer (the last maxBufferSize bytes of non-gated PTY
// output, ANSI-reset prefixed, including anything an earlier sink already
// received), then sends an immediate resize so the remote PTY matches the
// client's initial terminal dimensions.
func (t *Transport) Attach(ctx context.Context, sink Sink, cols, rows uint) error {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return apierrors.New(apierrors.CodeStreamAttachFailed, "session shell has already exited")
	}
	replay := t.replayLocked()
	t.sink = sink
	t.mu.Unlock()

	if len(replay) > 0 {
		if err := sink.SendText(replay); err != nil {
			return apierrors.Wrap(apierrors.CodeStreamAttachFailed, "failed to replay buffered output", err)
		}
	}
	return t.Resize(ctx, cols, rows)
}

func (t *Transport) replayLocked() []byte {
	if len(t.buffer) == 0 {
		return nil
	}
	out := make([]byte, 0, len(ansiReset)+len(t.buffer))
	out = append(out, []byte(ansiReset)...)
	out = append(out, t.buffer...)
	return out
}

// Detach removes the current sink without closing the underlying shell,
// implementing the "preserve" channel-disconnect policy: the transport
// keeps reading and buffering until either a reattach arrives or the
// session owner calls Close.
func (t *Transport) Detach(sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sink == sink {
		t.sink = nil
	}
}

// Write sends client input bytes to the PTY in the exact order received
// (invariant P4). Callers must serialize their own calls to Write (the
// bridge loop in internal/httpapi does this by construction: one goroutine
// reads off the channel and calls Write sequentially).
func (t *Transport) Write(data []byte) error {
	if _, err := t.exec.Write(data); err != nil {
		return apierrors.Wrap(apierrors.CodeWriteFailed, "failed to write to pty", err)
	}
	return nil
}

// Resize updates the PTY window size.
func (t *Transport) Resize(ctx context.Context, cols, rows uint) error {
	if err := t.exec.Resize(ctx, cols, rows); err != nil {
		return apierrors.Wrap(apierrors.CodeOperationFailed, "failed to resize pty", err)
	}
	return nil
}

// SetSilent sets or clears the silent gate used during programmatic init.
func (t *Transport) SetSilent(silent bool) {
	t.mu.Lock()
	t.silent = silent
	t.mu.Unlock()
}

// RunInit writes each init command (newline-terminated) to the PTY while the
// silent gate is held, then waits for either a quiescence window or the
// given timeout before clearing the gate. It reports whether it completed
// within the timeout.
func (t *Transport) RunInit(ctx context.Context, commands []string, timeout time.Duration) (completed bool, err error) {
	t.SetSilent(true)
	defer t.SetSilent(false)

	for _, cmd := range commands {
		if err := t.Write([]byte(cmd + "\n")); err != nil {
			return false, err
		}
	}

	quiet := t.waitForQuiescence(ctx, timeout)
	return quiet, nil
}

// waitForQuiescence waits until no outbound bytes have arrived for a short
// settle window, or until timeout elapses, whichever comes first.
func (t *Transport) waitForQuiescence(ctx context.Context, timeout time.Duration) bool {
	const settle = 300 * time.Millisecond
	deadline := time.Now().Add(timeout)
	lastLen := t.outputCount()

	ticker := time.NewTicker(settle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.doneCh:
			return true
		case <-ticker.C:
			cur := t.outputCount()
			if cur == lastLen {
				return true
			}
			lastLen = cur
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

func (t *Transport) outputCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outBytes
}

func (t *Transport) bufferLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// IsDead reports whether the underlying shell process has exited.
func (t *Transport) IsDead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

// Done returns a channel closed when the shell exits.
func (t *Transport) Done() <-chan struct{} { return t.doneCh }

// Close terminates the transport, closing the underlying exec stream.
func (t *Transport) Close() error {
	err := t.exec.Close()
	t.markDead()
	return err
}

// Bridge runs the channel-inbound side of a session's pipeline: it reads
// framed messages from inbound and writes their payload to the PTY in
// order, until inbound is exhausted, ctx is canceled, the shell exits, or a
// write fails. It blocks until then. The errgroup holds only this inbound
// writer; the transport's outbound read loop runs on its own and is
// observed here only through Done.
func Bridge(ctx context.Context, t *Transport, inbound <-chan []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.Done():
				return nil
			case data, ok := <-inbound:
				if !ok {
					return nil
				}
				if err := t.Write(data); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}
