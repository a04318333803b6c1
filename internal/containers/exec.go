package containers

import (
	"context"

	"github.com/docker/docker/api/types"

	"github.com/sandboxd/sandboxd/internal/apierrors"
)

// ExecSession is a live interactive shell attached inside a container: a
// duplex byte stream plus terminal-size control, matching the
// specification's attachPty() operation.
type ExecSession struct {
	conn types.HijackedResponse
	docker clientExecResizer
	execID string
}

// clientExecResizer is the narrow slice of the Docker SDK ExecResize needs;
// declared so this file doesn't need the concrete *client.Client type.
type clientExecResizer interface {
	ContainerExecResize(ctx context.Context, execID string, options types.ResizeOptions) error
}

// Read implements io.Reader over the attached exec stream (container stdout/stderr).
func (s *ExecSession) Read(p []byte) (int, error) {
	return s.conn.Reader.Read(p)
}

// Write implements io.Writer over the attached exec stream (container stdin).
func (s *ExecSession) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

// Resize updates the PTY window size.
func (s *ExecSession) Resize(ctx context.Context, cols, rows uint) error {
	return s.docker.ContainerExecResize(ctx, s.execID, types.ResizeOptions{Width: cols, Height: rows})
}

// Close tears down the exec stream's underlying connection.
func (s *ExecSession) Close() error {
	s.conn.Close()
	return nil
}

// AttachPty starts an interactive shell inside the container under the
// container's non-root user, requesting a PTY sized cols x rows, and
// returns the duplex stream bridging it.
func (m *Manager) AttachPty(ctx context.Context, containerID string, shell string, env []string, cols, rows uint) (*ExecSession, error) {
	execCfg := types.ExecConfig{
		Cmd:          []string{shell},
		Env:          env,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := m.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeStreamAttachFailed, "failed to create exec", err)
	}

	hijacked, err := m.docker.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeStreamAttachFailed, "failed to attach exec", err)
	}

	sess := &ExecSession{conn: hijacked, docker: m.docker, execID: created.ID}
	_ = sess.Resize(ctx, cols, rows) // non-fatal; the client's first resize message corrects it
	return sess, nil
}
