package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/metrics"
	"chat-relay/internal/relay"
	"chat-relay/internal/translator"
)

const (
	maxBodyBytes        = 10 << 20 // 10 MiB
	bodyLimit           = "10M"
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	chatPath            = "/v1/chat/completions"
)

// ChatClient performs the upstream call for one translated request.
type ChatClient interface {
	Chat(ctx context.Context, tr translator.Translation) (*http.Response, error)
}

type Server struct {
	cfg      config.Config
	gate     auth.Gate
	upstream ChatClient
	metrics  *metrics.Collector
	clock    relay.Clock
	rewriter *relay.Rewriter
	options  translator.Options
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, gate auth.Gate, upstream ChatClient, collector *metrics.Collector) (*Server, error) {
	if gate == nil {
		return nil, errors.New("auth gate must not be nil")
	}
	if upstream == nil {
		return nil, errors.New("upstream client must not be nil")
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.JSONSerializer = jsonSerializer{}

	if cfg.Server.ForceHTTPS {
		e.Pre(middleware.HTTPSRedirect())
	}
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.BodyLimit(bodyLimit))

	opts := translator.Options{ReasoningModel: cfg.Upstream.ReasoningModel}
	if cfg.Auth.Tenancy == config.TenancySingle {
		opts.FixedModel = cfg.Upstream.Model
	}

	srv := &Server{
		cfg:      cfg,
		gate:     gate,
		upstream: upstream,
		metrics:  collector,
		clock:    relay.SystemClock,
		rewriter: relay.NewRewriter(cfg.Relay.RenameTag.From, cfg.Relay.RenameTag.To),
		options:  opts,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the configured echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg)
	slog.Info("starting server", "addr", s.address, "tenancy", s.cfg.Auth.Tenancy)

	// No WriteTimeout: a stream stays open for as long as the upstream produces output.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	s.app.POST(chatPath, s.handleChatCompletions)
}

func (s *Server) handleRoot(c echo.Context) error {
	proto := "http"
	if c.Request().Header.Get(echo.HeaderXForwardedProto) == "https" {
		proto = "https"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"spaceUrl": fmt.Sprintf("%s://%s%s", proto, c.Request().Host, chatPath),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	started := time.Now()
	mode := "json"
	outcome := "ok"
	defer func() {
		s.metrics.RecordRequest(mode, outcome, time.Since(started))
	}()

	secret, err := s.gate.Resolve(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		outcome = "forbidden"
		return err
	}

	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		outcome = "bad_request"
		return err
	}

	tr := translator.Translate(req, secret, s.options)
	if tr.ClientStream {
		mode = "stream"
	}

	ctx := c.Request().Context()
	resp, err := s.upstream.Chat(ctx, tr)
	if err != nil {
		outcome = "upstream_error"
		s.metrics.UpstreamError()
		slog.Error("upstream request failed", "model", tr.Request.Model, "err", err)
		return upstreamError{err: err}
	}
	defer resp.Body.Close()

	if tr.ClientStream {
		reason, err := relay.Stream(ctx, c.Response(), resp.Body, relay.SessionOptions{
			KeepAliveInterval:   s.cfg.Relay.KeepAliveInterval,
			PlaceholderInterval: s.cfg.Relay.PlaceholderInterval,
			Model:               tr.Request.Model,
			Rewriter:            s.rewriter,
			Clock:               s.clock,
			Observer:            s.metrics,
			Logger:              slog.Default(),
		})
		if err != nil {
			outcome = "stream_error"
			return requestError{
				Status:  http.StatusInternalServerError,
				Message: "server does not support streaming responses",
				Type:    "server_error",
			}
		}
		outcome = string(reason)
		return nil
	}

	var content string
	if tr.Request.Stream {
		content, err = relay.AggregateStream(resp.Body, s.rewriter, slog.Default())
	} else {
		content, err = relay.AggregateJSON(resp.Body, s.rewriter)
	}
	if err != nil {
		outcome = "upstream_error"
		s.metrics.UpstreamError()
		slog.Error("failed to read upstream response", "model", tr.Request.Model, "err", err)
		return upstreamError{err: err}
	}

	return c.JSON(http.StatusOK, relay.NewCompletion(tr.Request.Model, content, s.clock.Now()))
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

func printStartupBanner(cfg config.Config) {
	host := "127.0.0.1"
	port := cfg.Server.Port
	fmt.Println()
	fmt.Println("chat-relay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Forwarding to %s (%s tenancy)\n", cfg.Upstream.BaseURL, cfg.Auth.Tenancy)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST " + chatPath)
	fmt.Printf("Example:\n  curl http://%s:%d%s -H 'Authorization: Bearer <password>' -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}],\"stream\":true}'\n\n", host, port, chatPath)
}
