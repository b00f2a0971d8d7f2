package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

var errClipTooLarge = errors.New("clip too large for the bus")

type remoteOptions struct {
	file    string
	servers string
	model   string
	byPath  bool
	timeout time.Duration
}

func (o *remoteOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.servers, "servers", "", "Comma separated NATS URLs (defaults to bus.servers)")
	fs.DurationVar(&o.timeout, "timeout", 2*time.Minute, "How long to wait for the reply")
}

// cmdRemote sends a file to a running scribed over the bus.
func cmdRemote(ctx context.Context, args []string, out io.Writer) error {
	var (
		c    common
		opts remoteOptions
	)
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	c.register(fs)
	opts.register(fs)
	fs.StringVar(&opts.file, "file", "", "Audio file to send")
	fs.StringVar(&opts.model, "model", "", "Model name under the daemon's model root")
	fs.BoolVar(&opts.byPath, "path", false, "Send the path instead of the bytes (must lie under the daemon's service.path_root)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.file == "" {
		return errors.New("remote: -file is required")
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := runRemote(ctx, client, opts)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, reply.Text)
	return err
}

func runRemote(ctx context.Context, client *bus.Client, opts remoteOptions) (protocol.TranscribeReply, error) {
	req := protocol.TranscribeRequest{Model: opts.model, Filename: filepath.Base(opts.file)}
	if opts.byPath {
		abs, err := filepath.Abs(opts.file)
		if err != nil {
			return protocol.TranscribeReply{}, err
		}
		req.Path = abs
	} else {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return protocol.TranscribeReply{}, fmt.Errorf("read audio: %w", err)
		}
		if limit := protocol.MaxInlineAudio(client.Conn().MaxPayload()); int64(len(data)) > limit {
			return protocol.TranscribeReply{}, fmt.Errorf("%w: %d bytes, bus carries at most %d inline; copy the file under the daemon's service.path_root and use -path",
				errClipTooLarge, len(data), limit)
		}
		req.Audio = base64.StdEncoding.EncodeToString(data)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	var reply protocol.TranscribeReply
	if err := client.RequestJSON(ctx, protocol.SubjectTranscribeRequest, req, &reply); err != nil {
		return reply, err
	}
	if !reply.Success {
		return reply, fmt.Errorf("remote transcription failed (%s): %s", reply.Code, reply.Error)
	}
	return reply, nil
}

func cmdRecordings(ctx context.Context, args []string, out io.Writer) error {
	var (
		c     common
		opts  remoteOptions
		limit int
	)
	fs := flag.NewFlagSet("recordings", flag.ContinueOnError)
	c.register(fs)
	opts.register(fs)
	fs.IntVar(&limit, "limit", 20, "Maximum recordings to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	var reply protocol.RecordingsReply
	if err := client.RequestJSON(ctx, protocol.SubjectRecordingsList, protocol.RecordingsRequest{Limit: limit}, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	for _, r := range reply.Recordings {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Status, r.SessionID, r.File, r.Text)
	}
	return nil
}

// cmdNodes lists the transcription nodes known to the bus's capability registries.
func cmdNodes(ctx context.Context, args []string, out io.Writer) error {
	var (
		c    common
		opts remoteOptions
		req  capability.NodesRequest
	)
	fs := flag.NewFlagSet("nodes", flag.ContinueOnError)
	c.register(fs)
	opts.register(fs)
	fs.StringVar(&req.Capability, "capability", "", "Only nodes advertising this capability (e.g. stt.vosk)")
	fs.BoolVar(&req.HealthyOnly, "healthy", false, "Only nodes seen within the heartbeat timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	return runNodes(ctx, client, req, out)
}

func runNodes(ctx context.Context, client *bus.Client, req capability.NodesRequest, out io.Writer) error {
	var reply capability.NodesReply
	if err := client.RequestJSON(ctx, protocol.SubjectNodesList, req, &reply); err != nil {
		return err
	}
	for _, n := range reply.Nodes {
		names := make([]string, 0, len(n.Capabilities))
		for _, c := range n.Capabilities {
			names = append(names, c.Name)
		}
		status := "healthy"
		if !n.Healthy {
			status = "stale"
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", n.ID, status, n.LastSeen.Local().Format(time.DateTime), strings.Join(names, ","))
	}
	return nil
}

func connect(ctx context.Context, cfg config.Config, opts remoteOptions, logger *slog.Logger) (*bus.Client, error) {
	busCfg := cfg.Bus
	if opts.servers != "" {
		busCfg.Servers = strings.Split(opts.servers, ",")
	}
	return bus.Connect(ctx, busCfg, "scribe-cli", logger)
}
