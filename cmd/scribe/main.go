package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/convert"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var version = "0.1.0-dev"

const usage = "usage: scribe <transcribe|record|smoke|remote|recordings|nodes|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = cmdTranscribe(ctx, os.Args[2:], os.Stdout)
	case "record":
		err = cmdRecord(ctx, os.Args[2:], os.Stdout)
	case "smoke":
		err = cmdSmoke(ctx, os.Args[2:], os.Stdout)
	case "remote":
		err = cmdRemote(ctx, os.Args[2:], os.Stdout)
	case "recordings":
		err = cmdRecordings(ctx, os.Args[2:], os.Stdout)
	case "nodes":
		err = cmdNodes(ctx, os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type common struct {
	configPath string
	verbose    bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file (defaults plus SCRIBE_* environment when empty)")
	fs.BoolVar(&c.verbose, "v", false, "Verbose logging")
}

func (c *common) load() (config.Config, *slog.Logger, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cfg, err := config.Load(c.configPath)
	return cfg, logger, err
}

type transcribeOptions struct {
	file    string
	model   string
	convert bool
}

func cmdTranscribe(ctx context.Context, args []string, out io.Writer) error {
	var (
		c    common
		opts transcribeOptions
	)
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	c.register(fs)
	fs.StringVar(&opts.file, "file", "", "Audio file to transcribe")
	fs.StringVar(&opts.model, "model", "", "Model directory (overrides stt.model_path)")
	fs.BoolVar(&opts.convert, "convert", false, "Convert non-WAV input with the configured converter first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.file == "" {
		return errors.New("transcribe: -file is required")
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	return runTranscribe(ctx, cfg, opts, out, logger)
}

func runTranscribe(ctx context.Context, cfg config.Config, opts transcribeOptions, out io.Writer, logger *slog.Logger) error {
	if opts.model != "" {
		cfg.STT.ModelPath = opts.model
	}
	model, err := stt.Load(cfg.STT, logger)
	if err != nil {
		return err
	}
	defer model.Close()

	path := opts.file
	if opts.convert {
		conv, err := convert.New(cfg.Convert, logger)
		if err != nil {
			return err
		}
		prepared, cleanup, err := conv.Prepare(ctx, path, cfg.Service.WorkDir)
		if err != nil {
			return err
		}
		defer cleanup()
		path = prepared
	}

	res, err := pipeline.New(cfg.Pipeline, logger).Transcribe(ctx, path, model)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, res.Text)
	return err
}

type recordOptions struct {
	out      string
	duration time.Duration
	backend  string
}

func cmdRecord(ctx context.Context, args []string, out io.Writer) error {
	var (
		c    common
		opts recordOptions
	)
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	c.register(fs)
	fs.StringVar(&opts.out, "out", "recording.wav", "Destination file")
	fs.DurationVar(&opts.duration, "duration", 5*time.Second, "How long to record")
	fs.StringVar(&opts.backend, "backend", "", "Capture backend: auto, stream or container")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	path, err := runRecord(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, path)
	return err
}

func runRecord(ctx context.Context, cfg config.Config, opts recordOptions, logger *slog.Logger) (string, error) {
	if opts.backend != "" {
		cfg.Capture.Backend = opts.backend
	}
	src, err := capture.New(cfg.Capture, logger)
	if err != nil {
		return "", err
	}
	return capture.Record(ctx, src, opts.out, cfg.Capture.SampleRate, cfg.Capture.Channels, opts.duration)
}

// cmdSmoke records a short clip and transcribes it, exercising the whole chain on this host.
func cmdSmoke(ctx context.Context, args []string, out io.Writer) error {
	var (
		c        common
		duration time.Duration
		keep     bool
	)
	fs := flag.NewFlagSet("smoke", flag.ContinueOnError)
	c.register(fs)
	fs.DurationVar(&duration, "duration", 3*time.Second, "How long to record")
	fs.BoolVar(&keep, "keep", false, "Keep the recorded clip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "scribe-smoke-")
	if err != nil {
		return err
	}
	if !keep {
		defer os.RemoveAll(dir)
	}

	fmt.Fprintf(out, "recording %s...\n", duration)
	path, err := runRecord(ctx, cfg, recordOptions{out: filepath.Join(dir, "smoke.wav"), duration: duration}, logger)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	fmt.Fprintf(out, "recorded %s\n", path)

	return runTranscribe(ctx, cfg, transcribeOptions{file: path, convert: !convert.IsPCM16WAV(path)}, out, logger)
}
