package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig configures the container backend.
type DockerConfig struct {
	// Images overrides the container image per runtime name.
	Images      map[string]string
	MemoryMB    int64
	NetworkMode string
	PidsLimit   int64
}

// DockerExecutor runs each interpreter in a fresh container with memory,
// pid and network limits. Containers are removed after they exit.
type DockerExecutor struct {
	client      *client.Client
	images      map[string]string
	memoryBytes int64
	networkMode string
	pidsLimit   int64
}

func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 256
	}
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}
	pids := cfg.PidsLimit
	if pids <= 0 {
		pids = 64
	}
	return &DockerExecutor{
		client:      cli,
		images:      cfg.Images,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		pidsLimit:   pids,
	}, nil
}

func (d *DockerExecutor) Name() string { return "docker" }

// Image returns the image used for rt.
func (d *DockerExecutor) Image(rt Runtime) string {
	if img := d.images[rt.Name]; img != "" {
		return img
	}
	return rt.Image
}

// Ping checks that the docker daemon is reachable.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *DockerExecutor) Close() error {
	return d.client.Close()
}

func (d *DockerExecutor) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	// Inside the image the interpreter is always on PATH under its default name.
	argv := append([]string{cmd.Runtime.Binary}, cmd.Argv[1:]...)
	pids := d.pidsLimit

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:        d.Image(cmd.Runtime),
		Cmd:          argv,
		Env:          append([]string{"LANG=C.UTF-8", "PYTHONIOENCODING=utf-8", "HOME=/tmp"}, cmd.Env...),
		WorkingDir:   "/tmp",
		Tty:          false,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    d.memoryBytes,
			PidsLimit: &pids,
		},
		NetworkMode:    container.NetworkMode(d.networkMode),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID

	hijack, err := d.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.remove(id)
		return nil, fmt.Errorf("attach container: %w", err)
	}

	p := &dockerProcess{client: d.client, id: id, done: make(chan struct{})}
	p.copyWG.Add(1)
	go func() {
		defer p.copyWG.Done()
		stdout, stderr := cmd.Stdout, cmd.Stderr
		if stdout == nil {
			stdout = io.Discard
		}
		if stderr == nil {
			stderr = io.Discard
		}
		_, _ = stdcopy.StdCopy(stdout, stderr, hijack.Reader)
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		hijack.Close()
		d.remove(id)
		return nil, fmt.Errorf("start container: %w", err)
	}

	go func() {
		if cmd.Stdin != nil {
			_, _ = io.Copy(hijack.Conn, cmd.Stdin)
		}
		_ = hijack.CloseWrite()
	}()
	p.hijackClose = hijack.Close
	return p, nil
}

func (d *DockerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

type dockerProcess struct {
	client      *client.Client
	id          string
	hijackClose func()
	copyWG      sync.WaitGroup
	signalled   atomic.Value // string
	done        chan struct{}
	once        sync.Once
}

func (p *dockerProcess) Wait() (ExitStatus, error) {
	defer p.once.Do(func() {
		close(p.done)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.client.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
	})

	statusCh, errCh := p.client.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	var code int64
	select {
	case err := <-errCh:
		p.hijackClose()
		p.copyWG.Wait()
		return ExitStatus{Code: -1}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		code = status.StatusCode
	}
	p.copyWG.Wait()
	p.hijackClose()

	st := ExitStatus{Code: int(code)}
	if sig, _ := p.signalled.Load().(string); sig != "" && code >= 128 {
		st.Signaled = true
		st.Signal = sig
	}
	return st, nil
}

func (p *dockerProcess) Terminate() error {
	return p.signal("SIGTERM")
}

func (p *dockerProcess) Kill() error {
	return p.signal("SIGKILL")
}

func (p *dockerProcess) signal(sig string) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.signalled.Store(sig)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.ContainerKill(ctx, p.id, sig); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}
