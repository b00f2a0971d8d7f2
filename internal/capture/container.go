package capture

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/cmdline"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ContainerSource drives an external recorder that writes directly into an encoded
// container. Samples are not observable until the recorder has exited.
type ContainerSource struct {
	cmd         cmdline.Template
	ext         string
	stopTimeout time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	active *containerSession
}

type containerSession struct {
	handle Handle
	proc   *exec.Cmd
	exited chan error
	stderr *bytes.Buffer
}

func NewContainerSource(cfg config.CaptureConfig, log *slog.Logger) (*ContainerSource, error) {
	if log == nil {
		log = slog.Default()
	}
	tpl, err := cmdline.Parse(cfg.RecorderCommand)
	if err != nil {
		return nil, fmt.Errorf("recorder command: %w", err)
	}
	ext := cfg.ContainerExtension
	if ext == "" {
		ext = ".3gp"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	timeout := time.Duration(cfg.StopTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ContainerSource{
		cmd:         tpl,
		ext:         ext,
		stopTimeout: timeout,
		log:         log.With(slog.String("component", "capture-container")),
	}, nil
}

func (c *ContainerSource) Kind() Kind { return KindContainer }

// Available reports whether the recorder executable is on PATH.
func (c *ContainerSource) Available() bool {
	return c.cmd.Available() == nil
}

// OutputPath maps a requested destination to the container path actually written.
func (c *ContainerSource) OutputPath(destination string) string {
	return strings.TrimSuffix(destination, filepath.Ext(destination)) + c.ext
}

func (c *ContainerSource) Active() (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Handle{}, false
	}
	return c.active.handle, true
}

func (c *ContainerSource) Start(destination string, sampleRate, channels int) error {
	if err := validateParams(sampleRate, channels); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrAlreadyRunning
	}
	if err := c.cmd.Available(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	out := c.OutputPath(destination)
	if err := prepareDestination(out); err != nil {
		return err
	}

	args := c.cmd.Expand(map[string]string{
		"{output}":   out,
		"{rate}":     strconv.Itoa(sampleRate),
		"{channels}": strconv.Itoa(channels),
	})
	proc := exec.Command(c.cmd.Name, args...)
	stderr := &bytes.Buffer{}
	proc.Stderr = stderr
	proc.WaitDelay = c.stopTimeout
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	c.active = &containerSession{
		handle: Handle{Path: out, SampleRate: sampleRate, Channels: channels, StartedAt: time.Now()},
		proc:   proc,
		exited: exited,
		stderr: stderr,
	}
	c.log.Info("recorder started", slog.String("path", out), slog.Int("pid", proc.Process.Pid))
	return nil
}

// Stop interrupts the recorder so it can finish the container, then waits up to the stop
// timeout before killing it. Recorder errors, including a stop issued before the recorder
// has produced any audio, are swallowed.
func (c *ContainerSource) Stop() (string, error) {
	c.mu.Lock()
	sess := c.active
	c.active = nil
	c.mu.Unlock()
	if sess == nil {
		return "", nil
	}

	if err := sess.proc.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.log.Debug("recorder interrupt failed", slog.String("error", err.Error()))
	}
	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case err := <-sess.exited:
		if err != nil {
			c.log.Debug("recorder exited with error",
				slog.String("error", err.Error()),
				slog.String("stderr", strings.TrimSpace(sess.stderr.String())))
		}
	case <-timer.C:
		c.log.Warn("recorder did not stop in time, killing", slog.Duration("timeout", c.stopTimeout))
		_ = sess.proc.Process.Kill()
		<-sess.exited
	}

	if _, err := os.Stat(sess.handle.Path); err != nil {
		c.log.Warn("recorder produced no artifact", slog.String("path", sess.handle.Path))
	}
	c.log.Info("recorder stopped",
		slog.String("path", sess.handle.Path),
		slog.Duration("elapsed", time.Since(sess.handle.StartedAt)))
	return sess.handle.Path, nil
}
