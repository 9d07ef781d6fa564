package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/aki-detector/internal/hl7"
	"github.com/minasoft/aki-detector/internal/journal"
	"github.com/minasoft/aki-detector/internal/metrics"
	aknats "github.com/minasoft/aki-detector/internal/nats"
	"github.com/minasoft/aki-detector/internal/session"
	"github.com/minasoft/aki-detector/internal/storage"
)

const defaultPendingLimit = 100

type SessionState interface {
	State() session.State
}

type StatsReader interface {
	Snapshot(ctx context.Context) (map[metrics.Counter]int64, error)
}

// Deps are the components the dashboard reports on. Any of them may be nil.
type Deps struct {
	JetStream jetstream.JetStream
	Store     storage.Store
	Journal   journal.Journal
	Session   SessionState
	Stats     StatsReader
	Metrics   http.Handler
}

type Server struct {
	echo *echo.Echo
	port int
	deps Deps
}

func NewServer(port int, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo: e,
		port: port,
		deps: deps,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("Web sunucu başlatılıyor", "port", s.port)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("Web sunucu hatası", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

// ServeHTTP exposes the routes without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/pending", s.handleGetPending)
	api.GET("/patients/:mrn", s.handleGetPatient)
	api.GET("/streams", s.handleGetStreams)
	api.GET("/consumers", s.handleGetConsumers)

	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	// Storage is required
	if s.deps.Store == nil {
		components["storage"] = "unhealthy: not initialized"
		overallStatus = "unhealthy"
	} else if err := s.deps.Store.Ping(ctx); err != nil {
		components["storage"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		components["storage"] = "healthy"
	}

	if s.deps.Session != nil {
		state := s.deps.Session.State()
		switch state {
		case session.StateConnected, session.StateRouting:
			components["mllp"] = "healthy (" + state.String() + ")"
		default:
			components["mllp"] = "degraded (" + state.String() + ")"
			if overallStatus == "healthy" {
				overallStatus = "degraded"
			}
		}
	}

	if s.deps.JetStream != nil {
		if _, err := s.deps.JetStream.AccountInfo(ctx); err != nil {
			components["nats"] = "unhealthy: " + err.Error()
			overallStatus = "degraded"
		} else {
			components["nats"] = "healthy"
		}

		alertStream, err := s.deps.JetStream.Stream(ctx, aknats.AlertStream)
		if err != nil {
			components["alert_queue"] = "unhealthy: stream not found"
			overallStatus = "degraded"
		} else if info, _ := alertStream.Info(ctx); info != nil {
			components["alert_queue"] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
		} else {
			components["alert_queue"] = "healthy"
		}

		pendingKV, err := s.deps.JetStream.KeyValue(ctx, aknats.PendingBucket)
		if err != nil {
			components["journal"] = "unhealthy"
			overallStatus = "degraded"
		} else if status, _ := pendingKV.Status(ctx); status != nil {
			components["journal"] = fmt.Sprintf("healthy (values: %d)", status.Values())
		} else {
			components["journal"] = "healthy"
		}
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
		"version":    "1.0.0",
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, health)
}

func (s *Server) handleStats(c echo.Context) error {
	if s.deps.Stats == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "İstatistikler kullanılamıyor")
	}

	snapshot, err := s.deps.Stats.Snapshot(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Stats KV erişilemedi")
	}

	counters := make(map[string]int64, len(snapshot))
	for k, v := range snapshot {
		counters[string(k)] = v
	}

	stats := map[string]interface{}{
		"counters": counters,
		"messages": map[string]int64{
			"received":     snapshot[metrics.MessagesReceived],
			"acknowledged": snapshot[metrics.AcksSent],
			"rejected":     snapshot[metrics.MessagesRejected],
		},
		"pages": map[string]int64{
			"sent":   snapshot[metrics.PagesSent],
			"failed": snapshot[metrics.PagesFailed],
		},
	}
	if s.deps.Session != nil {
		stats["session"] = s.deps.Session.State().String()
	}

	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetPending(c echo.Context) error {
	if s.deps.Journal == nil {
		return c.JSON(http.StatusOK, []PendingMessage{})
	}

	limit := defaultPendingLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Geçersiz limit")
		}
		limit = n
	}

	entries, err := s.deps.Journal.Pending(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Günlük okunamadı")
	}

	messages := make([]PendingMessage, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, PendingMessage{
			ID:          e.ID,
			ControlID:   e.ControlID,
			MessageType: hl7.MessageType(e.Payload),
			Sequence:    e.Sequence,
			ReceivedAt:  e.ReceivedAt,
			Size:        len(e.Payload),
		})
	}
	if len(messages) > limit {
		messages = messages[:limit]
	}

	return c.JSON(http.StatusOK, messages)
}

func (s *Server) handleGetPatient(c echo.Context) error {
	if s.deps.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Depolama kullanılamıyor")
	}

	fv, err := s.deps.Store.FeatureVector(c.Request().Context(), c.Param("mrn"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Hasta bulunamadı")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Depolama hatası: "+err.Error())
	}

	return c.JSON(http.StatusOK, fv)
}

func (s *Server) handleGetStreams(c echo.Context) error {
	ctx := c.Request().Context()
	streams := []StreamInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, streams)
	}

	stream, err := s.deps.JetStream.Stream(ctx, aknats.AlertStream)
	if err != nil {
		return c.JSON(http.StatusOK, streams)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return c.JSON(http.StatusOK, streams)
	}

	streams = append(streams, StreamInfo{
		Name:          info.Config.Name,
		Messages:      info.State.Msgs,
		Bytes:         info.State.Bytes,
		FirstSequence: info.State.FirstSeq,
		LastSequence:  info.State.LastSeq,
	})

	return c.JSON(http.StatusOK, streams)
}

func (s *Server) handleGetConsumers(c echo.Context) error {
	ctx := c.Request().Context()
	consumers := []ConsumerInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, consumers)
	}

	stream, err := s.deps.JetStream.Stream(ctx, aknats.AlertStream)
	if err != nil {
		return c.JSON(http.StatusOK, consumers)
	}

	consumerNames := stream.ConsumerNames(ctx)
	for name := range consumerNames.Name() {
		consumer, err := stream.Consumer(ctx, name)
		if err != nil {
			continue
		}

		info, err := consumer.Info(ctx)
		if err != nil {
			continue
		}

		consumers = append(consumers, ConsumerInfo{
			Stream:          aknats.AlertStream,
			Name:            info.Name,
			Pending:         info.NumPending,
			Delivered:       info.Delivered.Consumer,
			AckPending:      uint64(info.NumAckPending),
			RedeliveryCount: uint64(info.NumRedelivered),
		})
	}

	return c.JSON(http.StatusOK, consumers)
}
