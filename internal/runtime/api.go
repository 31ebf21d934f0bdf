package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/journal"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/samples"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

const (
	commandTimeout    = 10 * time.Second
	streamWriteWait   = 5 * time.Second
	defaultJournalMax = 100
)

var stateUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type sampleLister interface {
	List() []samples.Sample
}

type nodeLister interface {
	Nodes() []presence.NodeInfo
}

// api serves the HTTP surface. Optional collaborators may be nil.
type api struct {
	ctrl    bus.Controller
	samples sampleLister
	journal *journal.Store
	nodes   nodeLister
	metrics http.Handler
	ready   func() bool
	log     *slog.Logger
}

func (a *api) router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), a.requestLog())

	engine.GET("/healthz", a.health)
	engine.GET("/readyz", a.readiness)
	if a.metrics != nil {
		engine.GET("/metrics", gin.WrapH(a.metrics))
	}

	v1 := engine.Group("/v1")
	{
		v1.GET("/state", a.getState)
		v1.GET("/state/stream", a.streamState)
		v1.POST("/recording/toggle", a.runCommand(func(ctx context.Context, _ *gin.Context) (state.State, error) {
			return a.ctrl.ToggleRecording(ctx)
		}))
		v1.POST("/recording/stop", a.runCommand(func(ctx context.Context, _ *gin.Context) (state.State, error) {
			return a.ctrl.StopRecording(ctx)
		}))
		v1.GET("/samples", a.listSamples)
		v1.POST("/samples/:id/transcribe", a.runCommand(func(ctx context.Context, c *gin.Context) (state.State, error) {
			return a.ctrl.TranscribeSample(ctx, c.Param("id"))
		}))
		v1.POST("/model/reload", a.runCommand(func(ctx context.Context, _ *gin.Context) (state.State, error) {
			return a.ctrl.ReloadModel(ctx)
		}))
		v1.GET("/journal/sessions/:id", a.sessionTimeline)
		v1.GET("/nodes", a.listNodes)
	}
	return engine
}

func (a *api) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func (a *api) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (a *api) readiness(c *gin.Context) {
	if a.ready != nil && a.ready() {
		c.String(http.StatusOK, "ready")
		return
	}
	c.String(http.StatusServiceUnavailable, "not ready")
}

func (a *api) getState(c *gin.Context) {
	c.JSON(http.StatusOK, a.ctrl.State())
}

type commandFunc func(ctx context.Context, c *gin.Context) (state.State, error)

func (a *api) runCommand(fn commandFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
		defer cancel()

		st, err := fn(ctx, c)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, st)
		case errors.Is(err, orchestrator.ErrCommandUnavailable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": a.ctrl.State()})
		case errors.Is(err, orchestrator.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		default:
			a.log.Warn("command failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func (a *api) listSamples(c *gin.Context) {
	if a.samples == nil {
		c.JSON(http.StatusOK, gin.H{"samples": []samples.Sample{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": a.samples.List()})
}

func (a *api) listNodes(c *gin.Context) {
	if a.nodes == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": []presence.NodeInfo{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": a.nodes.Nodes()})
}

func (a *api) sessionTimeline(c *gin.Context) {
	if a.journal == nil || !a.journal.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit := defaultJournalMax
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	id := c.Param("id")
	transitions, err := a.journal.ListSessionTransitions(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(transitions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "transitions": transitions})
}

// streamState upgrades to a websocket and writes the current state followed
// by every transition until either side goes away.
func (a *api) streamState(c *gin.Context) {
	sub := a.ctrl.Subscribe()
	defer sub.Close()

	conn, err := stateUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(st); err != nil {
				a.log.Debug("state stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
