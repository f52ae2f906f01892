// Package server exposes the bot over HTTP: platform webhooks, report
// downloads, metrics and a health probe.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/createrken-code/nippo-shokuninn/core/config"
	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
)

const (
	component       = "http"
	shutdownTimeout = 10 * time.Second
)

// Route mounts an extra POST handler, such as a platform webhook.
type Route struct {
	Path    string
	Handler fiber.Handler
}

// Options configures the server.
type Options struct {
	HTTP config.HTTPConfig
	// DownloadDir enables GET /download/:name when set.
	DownloadDir string
	Metrics     *metrics.Metrics
	Webhooks    []Route
}

// Server wraps a fiber app.
type Server struct {
	opts Options
	app  *fiber.App
}

// New builds the app and its routes.
func New(opts Options) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "nippo-shokuninn",
		DisableStartupMessage: true,
		ReadTimeout:           opts.HTTP.ReadTimeout,
		WriteTimeout:          opts.HTTP.WriteTimeout,
		ErrorHandler:          errorHandler,
		UnescapePath:          true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			logger.Error(c.UserContext(), component, "http.panic",
				slog.String("status", "fail"),
				slog.String("path", c.Path()),
				slog.String("err", fmt.Sprint(e)),
			)
		},
	}))
	app.Use(accessLog)

	s := &Server{opts: opts, app: app}
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
	if opts.DownloadDir != "" {
		app.Get("/download/:name", s.download)
	}
	for _, r := range opts.Webhooks {
		if r.Path == "" || r.Handler == nil {
			continue
		}
		app.Post(r.Path, r.Handler)
	}
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.HTTP.Listen, strconv.Itoa(s.opts.HTTP.Port))
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, component, "http.listen", slog.String("listen", addr))
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http: listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	start := time.Now()
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	<-errCh
	logger.Info(context.Background(), component, "http.stop", slog.Duration("duration", logger.Took(start)))
	return nil
}

// download serves one finished report. Only base names of existing .pdf files are accepted.
func (s *Server) download(c *fiber.Ctx) error {
	name := c.Params("name")
	if !validReportName(name) {
		return fiber.ErrNotFound
	}
	path := filepath.Join(s.opts.DownloadDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fiber.ErrNotFound
	}
	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Attachment(name)
	return c.SendFile(path)
}

func validReportName(name string) bool {
	switch {
	case name == "", name != filepath.Base(name):
		return false
	case strings.ContainsAny(name, `/\`), strings.HasPrefix(name, "."):
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	code := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	attrs := []slog.Attr{
		slog.String("path", c.Path()),
		slog.Int("http_code", code),
		slog.Duration("duration", logger.Took(start)),
	}
	if c.Path() == "/healthz" || c.Path() == "/metrics" {
		logger.Debug(c.UserContext(), component, "http.request", attrs...)
	} else {
		logger.Info(c.UserContext(), component, "http.request", attrs...)
	}
	return err
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		logger.Error(c.UserContext(), component, "http.error",
			slog.String("status", "fail"),
			slog.String("path", c.Path()),
			slog.String("err", err.Error()),
		)
	}
	msg := "internal error"
	if fe != nil {
		msg = fe.Message
	}
	return c.Status(code).SendString(msg)
}
