// Package containers implements the Container Manager: the engine's single
// collaborator with the container-runtime daemon. It wraps the Docker SDK
// client the same way docker-controller/pkg/docker/client.go does, extended
// with the hardening profile and the taxonomized errors the orchestrator
// specification requires.
package containers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/sandboxd/sandboxd/internal/apierrors"
	"github.com/sandboxd/sandboxd/internal/logging"
)

// Status mirrors the container lifecycle states the specification names.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRestarting Status = "restarting"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusExited     Status = "exited"
	StatusDead       Status = "dead"
	StatusStopped    Status = "stopped"
)

// Info is the derived view over the runtime daemon returned by inspect/list.
type Info struct {
	ID              string
	Name            string
	Image           string
	Status          Status
	CreatedAt       time.Time
	StartedAt       *time.Time
	SessionID       string
	EnvironmentName string
	ToolPair        string
	CPUPercent      float64
	MemoryUsage     uint64
	MemoryLimit     uint64
	MemoryPercent   float64
}

// Spec describes a container the Session Manager wants created.
type Spec struct {
	SessionID       string
	Environment     string
	Image           string
	ToolPair        string
	User            string
	WorkingDir      string
	Env             map[string]string
	MemoryBytes     int64
	NanoCPUs        int64
	PidsLimit       int64
	SecureRuntime   string // optional runtime class, e.g. "runsc"; empty disables it
}

// ListFilter is a conjunction of optional list criteria, always additionally
// restricted to containers bearing the service label.
type ListFilter struct {
	Status      Status
	Environment string
	ToolPair    string
	OlderThan   *time.Time
}

// Manager wraps the Docker API client for sandbox container lifecycle
// operations.
type Manager struct {
	docker        *client.Client
	servicePrefix string
}

// New creates a Manager connected to the given host (e.g.
// "unix:///var/run/docker.sock").
func New(host, servicePrefix string) (*Manager, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDaemonUnavailable, "failed to build docker client", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDaemonUnavailable, "failed to reach container runtime", err)
	}

	return &Manager{docker: cli, servicePrefix: servicePrefix}, nil
}

// Close releases the underlying daemon connection.
func (m *Manager) Close() error {
	return m.docker.Close()
}

// HasImage reports whether the runtime already has the given image,
// satisfying environment.ImageResolver.
func (m *Manager) HasImage(image string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, err := m.docker.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

// containerName builds the "<service-prefix>-<env>-<sessionId8>" name the
// specification requires.
func containerName(prefix, env, sessionID string) string {
	id8 := sessionID
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, env, id8)
}

// Create provisions a new hardened container for a session. It does not
// start it; callers that want a running container call Start afterward
// (mirroring the specification's separate create()/start() operations).
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	name := containerName(m.servicePrefix, spec.Environment, spec.SessionID)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		"service":     m.servicePrefix,
		"sessionId":   spec.SessionID,
		"environment": spec.Environment,
		"createdAt":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if spec.ToolPair != "" {
		labels["toolPair"] = spec.ToolPair
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Labels:     labels,
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		Tty:        false,
		OpenStdin:  true,
	}

	hostConfig := hardenedHostConfig(spec)

	resp, err := m.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeContainerFailed, "failed to create container", err)
	}

	logging.Containers().Info().Str("container_id", resp.ID).Str("name", name).Str("session_id", spec.SessionID).Msg("container created")
	return resp.ID, nil
}

// hardenedHostConfig builds the HostConfig enforcing every hardening
// requirement named in the specification: read-only root filesystem, a
// small writable tmpfs, dropped capabilities, no network namespace, memory
// and CPU quotas, a PID limit, disabled privilege escalation, and an
// optional sandboxing runtime class.
func hardenedHostConfig(spec Spec) *container.HostConfig {
	hc := &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			spec.WorkingDir: "rw,exec,nosuid,size=256m",
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    "none",
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			NanoCPUs:  spec.NanoCPUs,
			PidsLimit: &spec.PidsLimit,
		},
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	if spec.SecureRuntime != "" {
		hc.Runtime = spec.SecureRuntime
	}
	return hc
}

// Start starts a previously created container.
func (m *Manager) Start(ctx context.Context, id string) error {
	if err := m.docker.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return apierrors.Wrap(apierrors.CodeContainerFailed, "failed to start container", err)
	}
	return nil
}

// Stop sends a graceful stop signal, forcibly killing the container if it
// is still alive after gracePeriod.
func (m *Manager) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	seconds := int(gracePeriod.Seconds())
	if err := m.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return apierrors.Wrap(apierrors.CodeOperationFailed, "failed to stop container", err)
	}
	return nil
}

// Restart stops and starts a container in one daemon call, used by the
// admin surface to recycle a misbehaving session container in place.
func (m *Manager) Restart(ctx context.Context, id string, gracePeriod time.Duration) error {
	seconds := int(gracePeriod.Seconds())
	if err := m.docker.ContainerRestart(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return apierrors.New(apierrors.CodeNotFound, "container not found")
		}
		return apierrors.Wrap(apierrors.CodeOperationFailed, "failed to restart container", err)
	}
	return nil
}

// Remove deletes a container. Idempotent over NotFound.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	err := m.docker.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return apierrors.Wrap(apierrors.CodeOperationFailed, "failed to remove container", err)
	}
	return nil
}

// Inspect returns the current derived view of one container.
func (m *Manager) Inspect(ctx context.Context, id string) (Info, error) {
	raw, err := m.docker.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Info{}, apierrors.New(apierrors.CodeNotFound, "container not found")
		}
		return Info{}, apierrors.Wrap(apierrors.CodeOperationFailed, "failed to inspect container", err)
	}
	return infoFromInspect(raw), nil
}

func infoFromInspect(raw types.ContainerJSON) Info {
	info := Info{
		ID:              raw.ID,
		Name:            strings.TrimPrefix(raw.Name, "/"),
		Image:           raw.Config.Image,
		Status:          Status(raw.State.Status),
		SessionID:       raw.Config.Labels["sessionId"],
		EnvironmentName: raw.Config.Labels["environment"],
		ToolPair:        raw.Config.Labels["toolPair"],
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.Created); err == nil {
		info.CreatedAt = t
	}
	if raw.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw.State.StartedAt); err == nil && !t.IsZero() {
			info.StartedAt = &t
		}
	}
	return info
}

// Stats takes a one-shot resource sample. It is never fatal: a transient
// daemon error on this non-essential read surfaces as a degraded zero-value
// reading rather than propagating to the caller.
func (m *Manager) Stats(ctx context.Context, id string) (cpuPercent float64, memUsage, memLimit uint64, err error) {
	resp, statErr := m.docker.ContainerStats(ctx, id, false)
	if statErr != nil {
		logging.Containers().Warn().Err(statErr).Str("container_id", id).Msg("stats read failed, returning degraded reading")
		return 0, 0, 0, nil
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if decodeErr := json.NewDecoder(resp.Body).Decode(&stats); decodeErr != nil {
		logging.Containers().Warn().Err(decodeErr).Str("container_id", id).Msg("stats decode failed, returning degraded reading")
		return 0, 0, 0, nil
	}

	cpuPercent = calculateCPUPercent(stats)
	memUsage = stats.MemoryStats.Usage
	memLimit = stats.MemoryStats.Limit
	return cpuPercent, memUsage, memLimit, nil
}

func calculateCPUPercent(stats types.StatsJSON) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	cpuCount := float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	if cpuCount == 0 {
		cpuCount = 1
	}
	return (cpuDelta / sysDelta) * cpuCount * 100.0
}

// Logs returns the last tailN lines of container output.
func (m *Manager) Logs(ctx context.Context, id string, tailN int) (string, error) {
	reader, err := m.docker.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailN),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", apierrors.New(apierrors.CodeNotFound, "container not found")
		}
		return "", apierrors.Wrap(apierrors.CodeOperationFailed, "failed to read logs", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeOperationFailed, "failed to read log stream", err)
	}
	return string(data), nil
}

// List returns every service-labelled container matching the filter
// conjunction.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]Info, error) {
	args := filters.NewArgs(filters.Arg("label", "service="+m.servicePrefix))
	if f.Environment != "" {
		args.Add("label", "environment="+f.Environment)
	}
	if f.ToolPair != "" {
		args.Add("label", "toolPair="+f.ToolPair)
	}

	raws, err := m.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeOperationFailed, "failed to list containers", err)
	}

	out := make([]Info, 0, len(raws))
	for _, c := range raws {
		info := Info{
			ID:              c.ID,
			Name:            strings.TrimPrefix(firstOrEmpty(c.Names), "/"),
			Image:           c.Image,
			Status:          Status(c.State),
			SessionID:       c.Labels["sessionId"],
			EnvironmentName: c.Labels["environment"],
			ToolPair:        c.Labels["toolPair"],
			CreatedAt:       time.Unix(c.Created, 0),
		}
		if f.Status != "" && info.Status != f.Status {
			continue
		}
		if f.OlderThan != nil && info.CreatedAt.After(*f.OlderThan) {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// CountRunning reports the number of service-labelled containers currently
// running, satisfying breaker.ContainerCounter.
func (m *Manager) CountRunning(ctx context.Context) (int, error) {
	infos, err := m.List(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		return 0, err
	}
	return len(infos), nil
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
