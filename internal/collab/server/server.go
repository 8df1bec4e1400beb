// SPDX-License-Identifier: MIT

// Package server exposes the collaborate websocket endpoint plus the health
// and metrics surfaces, and runs the per-connection read loop.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/soundry-audio/collabd/internal/collab/authority"
	"github.com/soundry-audio/collabd/internal/collab/dispatch"
	"github.com/soundry-audio/collabd/internal/collab/protocol"
	"github.com/soundry-audio/collabd/internal/collab/session"
	"github.com/soundry-audio/collabd/internal/collab/ws"
	"github.com/soundry-audio/collabd/internal/config"
	"github.com/soundry-audio/collabd/internal/log"
	"github.com/soundry-audio/collabd/internal/metrics"
	"github.com/soundry-audio/collabd/internal/telemetry"
)

// pingInterval is how often the writer pings an idle connection.
const pingInterval = 30 * time.Second

// Server is the HTTP ingress of the collaboration daemon.
type Server struct {
	cfg        config.Config
	store      authority.AuthorityStore
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	httpSrv    *http.Server
	onShutdown func()
}

// New creates a server around the collaboration core.
func New(cfg config.Config, store authority.AuthorityStore, registry *session.Registry, dispatcher *dispatch.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     log.WithComponent("server"),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: 0, // websocket writes manage their own deadlines
	}
	return s
}

// OnShutdown registers fn to run during graceful shutdown, after the context
// is canceled but before open connections are closed.
func (s *Server) OnShutdown(fn func()) {
	s.onShutdown = fn
}

// Router builds the route tree. Split out so tests can drive the server
// through httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			s.cfg.HandshakePerMin,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
		r.Get("/v1/projects/{projectID}/collaborate", s.handleCollaborate)
	})

	return otelhttp.NewHandler(r, "collabd.http")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sessions, connections := s.registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","sessions":` + strconv.Itoa(sessions) +
		`,"connections":` + strconv.Itoa(connections) + `}`))
}

// handleCollaborate upgrades the request and authenticates afterwards, so a
// rejected client receives a proper close frame with status 4001 instead of
// an opaque HTTP error.
func (s *Server) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	token := r.URL.Query().Get("token")
	clientIDHint := r.URL.Query().Get("client_id")

	ctx := log.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
	ctx = log.ContextWithProjectID(ctx, projectID)
	logger := log.WithComponentFromContext(ctx, "server")

	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Token auth makes origin pinning redundant; browsers cannot forge
		// the bearer token cross-site.
		CheckOrigin: func(*http.Request) bool { return true },
	})
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	authCtx, span := telemetry.Tracer("collabd.server").Start(ctx, "authority.authenticate")
	grant, err := authority.Authenticate(authCtx, s.store, token, projectID, clientIDHint)
	span.End()
	if err != nil {
		code := protocol.CodeProcessingError
		var herr *authority.HandshakeError
		if errors.As(err, &herr) {
			code = herr.Code
		}
		metrics.IncHandshakeFailure(string(code))
		logger.Warn().
			Str(log.FieldCode, string(code)).
			Msg("handshake rejected")
		closeCode := session.CloseAuthFailure
		if herr == nil {
			closeCode = session.CloseInternal
		}
		_ = conn.CloseWithStatus(closeCode, string(code))
		return
	}

	ctx = log.ContextWithClientID(ctx, grant.ClientID)
	s.serve(log.WithContext(ctx, logger), conn, projectID, grant)
}

// serve registers the connection and runs its read loop until the client
// goes away. Teardown always goes through the dispatcher so peers observe a
// consistent room.
func (s *Server) serve(logger zerolog.Logger, conn *ws.Conn, projectID string, grant authority.Grant) {
	socketID := uuid.NewString()
	channel := newWSChannel(conn, s.cfg.OutboundQueue, s.cfg.WriteTimeout, pingInterval,
		logger.With().Str(log.FieldSocketID, socketID).Logger())

	sc := s.registry.Register(session.RegisterParams{
		SocketID:    socketID,
		Channel:     channel,
		UserID:      grant.UserID,
		ProjectID:   projectID,
		ClientID:    grant.ClientID,
		DisplayName: grant.DisplayName,
		AvatarURL:   grant.AvatarURL,
		CanEdit:     grant.CanEdit,
	})
	channel.onOverflow = func() { s.dispatcher.HandleDisconnect(sc) }

	go channel.writePump()
	s.readPump(conn, channel, sc)
}

// readPump consumes inbound frames until error or close. Reads are bounded
// by the frame size limit and a pong-refreshed deadline; a token bucket
// protects the core from frame floods.
func (s *Server) readPump(conn *ws.Conn, channel *wsChannel, sc *session.Connection) {
	defer func() {
		channel.Close(session.CloseGoingAway, "read loop ended")
		s.dispatcher.HandleDisconnect(sc)
	}()

	conn.SetReadLimit(s.cfg.ReadLimitBytes)
	readWait := 2 * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		sc.Touch(time.Now())
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst)

	for {
		_, raw, err := conn.ReadMessage(context.Background())
		if err != nil {
			if ws.IsUnexpectedClose(err) {
				s.logger.Debug().
					Str(log.FieldSocketID, sc.SocketID).
					Err(err).
					Msg("connection closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		if !limiter.Allow() {
			channel.Send(protocol.ErrorFrame(
				protocol.Errorf(protocol.CodeRateLimited, "too many messages, slow down"), time.Now()))
			continue
		}

		s.dispatcher.HandleFrame(sc, raw)
	}
}

// Start runs the HTTP server until ctx is canceled, then drains: open
// websockets are told the server is going away and the listener shuts down
// within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Run the drain hook while the websockets are still open, so anything it
	// publishes (pending throttler batches) reaches the clients.
	if s.onShutdown != nil {
		s.onShutdown()
	}
	s.registry.CloseAll(session.CloseGoingAway, "server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
