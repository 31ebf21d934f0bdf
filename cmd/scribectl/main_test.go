package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/state"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{nil, {"explode"}, {"decode"}} {
		err := run(context.Background(), args, io.Discard)
		if !errors.Is(err, errUsage) {
			t.Fatalf("run(%v) = %v, want usage error", args, err)
		}
	}
}

func TestRunDecode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	format, err := wave.FormatFor(wave.EncodingPCM16, 16000)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	buf := wave.SampleBuffer{Samples: make([]float32, 1600), SampleRate: 16000}
	buf.Samples[0] = 0.5
	if err := wave.Encode(f, buf, format); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	var out bytes.Buffer
	if err := run(context.Background(), []string{"decode", path}, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "samples=1600") || !strings.Contains(got, "duration=0.100s") {
		t.Fatalf("unexpected decode output %q", got)
	}

	if err := run(context.Background(), []string{"decode", filepath.Join(t.TempDir(), "missing.wav")}, io.Discard); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRunSampleCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	received := make(chan string, 1)
	_, err = nc.Subscribe(protocol.SubjectCommandSample, func(msg *nats.Msg) {
		var req protocol.CommandRequest
		_ = json.Unmarshal(msg.Data, &req)
		received <- req.SampleID
		reply, _ := json.Marshal(protocol.CommandReply{NodeID: "node-a", State: state.SampleLoadError()})
		_ = msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"sample", "-servers", srv.ClientURL(), "jfk"}, &out); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if id := <-received; id != "jfk" {
		t.Fatalf("unexpected sample id %q", id)
	}
	if !strings.Contains(out.String(), string(state.KindSampleLoadError)) {
		t.Fatalf("reply not printed: %q", out.String())
	}
}
