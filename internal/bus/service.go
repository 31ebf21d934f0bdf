package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

// Controller is the command surface the bus exposes.
type Controller interface {
	State() state.State
	Subscribe() *state.Subscription
	ToggleRecording(ctx context.Context) (state.State, error)
	StopRecording(ctx context.Context) (state.State, error)
	TranscribeSample(ctx context.Context, id string) (state.State, error)
	ReloadModel(ctx context.Context) (state.State, error)
}

// Service publishes every state transition on scribe.state.<node> and
// answers command requests on scribe.cmd.*.
type Service struct {
	nodeID  string
	bus     *Client
	ctrl    Controller
	log     *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	seq    uint64
}

func NewService(parent context.Context, nodeID string, busClient *Client, ctrl Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		nodeID:  nodeID,
		bus:     busClient,
		ctrl:    ctrl,
		log:     log.With(slog.String("component", "bus-service")),
		timeout: 10 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStateStream(); err != nil {
		s.log.Warn("state stream unavailable; last-state lookups disabled", slog.String("error", err.Error()))
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectCommandToggle: s.command(func(ctx context.Context, _ protocol.CommandRequest) (state.State, error) {
			return s.ctrl.ToggleRecording(ctx)
		}),
		protocol.SubjectCommandStop: s.command(func(ctx context.Context, _ protocol.CommandRequest) (state.State, error) {
			return s.ctrl.StopRecording(ctx)
		}),
		protocol.SubjectCommandSample: s.command(func(ctx context.Context, req protocol.CommandRequest) (state.State, error) {
			if req.SampleID == "" {
				return s.ctrl.State(), errors.New("sample_id is required")
			}
			return s.ctrl.TranscribeSample(ctx, req.SampleID)
		}),
		protocol.SubjectCommandReload: s.command(func(ctx context.Context, _ protocol.CommandRequest) (state.State, error) {
			return s.ctrl.ReloadModel(ctx)
		}),
		protocol.SubjectCommandState: s.command(func(context.Context, protocol.CommandRequest) (state.State, error) {
			return s.ctrl.State(), nil
		}),
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().QueueSubscribe(subject, protocol.CommandQueue, handler)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	stateSub := s.ctrl.Subscribe()
	s.wg.Add(1)
	go s.publishStates(stateSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) publishStates(sub *state.Subscription) {
	defer s.wg.Done()
	defer sub.Close()
	subject := protocol.StateSubject(s.nodeID)
	for {
		select {
		case <-s.ctx.Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				return
			}
			s.seq++
			payload, err := json.Marshal(protocol.StateMessage{
				NodeID:    s.nodeID,
				Sequence:  s.seq,
				State:     st,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				s.log.Warn("failed to marshal state", slogError(err))
				continue
			}
			if err := s.bus.Conn().Publish(subject, payload); err != nil {
				s.log.Warn("failed to publish state", slogError(err))
			}
		}
	}
}

type commandFunc func(ctx context.Context, req protocol.CommandRequest) (state.State, error)

func (s *Service) command(fn commandFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req protocol.CommandRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				s.respond(msg, protocol.CommandReply{NodeID: s.nodeID, State: s.ctrl.State(), Error: "invalid request: " + err.Error()})
				return
			}
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		st, err := fn(ctx, req)
		reply := protocol.CommandReply{NodeID: s.nodeID, State: st}
		if err != nil {
			reply.Error = err.Error()
			reply.Rejected = errors.Is(err, orchestrator.ErrCommandUnavailable)
			s.log.Info("command failed", slog.String("subject", msg.Subject), slogError(err))
		}
		s.respond(msg, reply)
	}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
