package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

var version = "0.1.0-dev"

const usage = "usage: scribectl <state|watch|toggle|stop|sample <id>|reload|decode <file>|version> [flags]"

var errUsage = errors.New(usage)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	configPath string
	servers    string
	node       string
	timeout    time.Duration
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file (bus settings)")
	fs.StringVar(&o.servers, "servers", "", "Comma separated NATS servers, overrides config")
	fs.StringVar(&o.node, "node", "", "Node id for watch/last-state lookups (default: every node)")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "Command timeout")
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}

	var opts options
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts.register(fs)

	switch args[0] {
	case "version":
		fmt.Fprintln(out, version)
		return nil
	case "decode":
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if fs.NArg() != 1 {
			return errUsage
		}
		return runDecode(fs.Arg(0), out)
	case "state", "toggle", "stop", "reload", "watch", "sample":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	switch args[0] {
	case "watch":
		return runWatch(ctx, client, opts.node, out)
	case "state":
		if opts.node != "" {
			msg, err := client.LastState(opts.node)
			if err != nil {
				return err
			}
			return printJSON(out, msg)
		}
		return runCommand(ctx, client, protocol.SubjectCommandState, protocol.CommandRequest{}, opts.timeout, out)
	case "toggle":
		return runCommand(ctx, client, protocol.SubjectCommandToggle, protocol.CommandRequest{}, opts.timeout, out)
	case "stop":
		return runCommand(ctx, client, protocol.SubjectCommandStop, protocol.CommandRequest{}, opts.timeout, out)
	case "reload":
		return runCommand(ctx, client, protocol.SubjectCommandReload, protocol.CommandRequest{}, opts.timeout, out)
	default:
		if fs.NArg() != 1 {
			return errUsage
		}
		return runCommand(ctx, client, protocol.SubjectCommandSample, protocol.CommandRequest{SampleID: fs.Arg(0)}, opts.timeout, out)
	}
}

func connect(ctx context.Context, opts options) (*bus.Client, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.servers != "" {
		cfg.Bus.Servers = strings.Split(opts.servers, ",")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, cfg.Bus, "scribectl", logger)
}

func runCommand(ctx context.Context, client *bus.Client, subject string, req protocol.CommandRequest, timeout time.Duration, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := client.Request(ctx, subject, req)
	if err != nil {
		return err
	}
	if err := printJSON(out, reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("%s: %s", reply.NodeID, reply.Error)
	}
	return nil
}

func runWatch(ctx context.Context, client *bus.Client, node string, out io.Writer) error {
	subject := protocol.SubjectStatePrefix + ".*"
	if node != "" {
		subject = protocol.StateSubject(node)
	}
	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var st protocol.StateMessage
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				fmt.Fprintf(out, "invalid state message on %s: %v\n", msg.Subject, err)
				continue
			}
			line := fmt.Sprintf("%s #%d %s", st.NodeID, st.Sequence, st.State)
			fmt.Fprintln(out, line)
		}
	}
}

func runDecode(path string, out io.Writer) error {
	buf, err := wave.Decode(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "samples=%d sample_rate=%d duration=%.3fs peak=%.4f rms=%.4f\n",
		len(buf.Samples), buf.SampleRate, buf.Duration(), buf.Peak(), buf.RMS())
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
