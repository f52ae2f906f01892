package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/createrken-code/nippo-shokuninn/core/config"
	"github.com/createrken-code/nippo-shokuninn/core/conversation"
	"github.com/createrken-code/nippo-shokuninn/core/finisher"
	"github.com/createrken-code/nippo-shokuninn/core/imaging"
	"github.com/createrken-code/nippo-shokuninn/core/line"
	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/netutil"
	"github.com/createrken-code/nippo-shokuninn/core/publish"
	"github.com/createrken-code/nippo-shokuninn/core/ratelimit"
	"github.com/createrken-code/nippo-shokuninn/core/report"
	"github.com/createrken-code/nippo-shokuninn/core/server"
	"github.com/createrken-code/nippo-shokuninn/core/session"
	"github.com/createrken-code/nippo-shokuninn/core/telegram"
)

// App holds the wired components of a running bot.
type App struct {
	Config    *config.Config
	Metrics   *metrics.Metrics
	Store     session.Store
	Publisher publish.Publisher
	Finisher  *finisher.Finisher
	Server    *server.Server
	Line      *line.Gateway
	Telegram  *telegram.Gateway

	infra   *Result
	modules Modules
}

// Build wires every component selected by cfg on top of infra.
func Build(ctx context.Context, cfg *config.Config, infra *Result) (app *App, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}
	if infra == nil {
		infra = &Result{}
	}
	app = &App{Config: cfg, Metrics: metrics.New(), infra: infra}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.Store, err = session.Open(cfg.Session, infra.DB); err != nil {
		return nil, fmt.Errorf("bootstrap: session store: %w", err)
	}
	assembler, err := report.NewAssembler(cfg.Report.OutputDir, cfg.Report.FontPath, cfg.Report.Title)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: report assembler: %w", err)
	}
	if app.Publisher, err = publish.New(ctx, cfg.Storage, cfg.HTTP.PublicBaseURL); err != nil {
		return nil, fmt.Errorf("bootstrap: publisher: %w", err)
	}
	app.Finisher, err = finisher.New(finisher.Options{
		Workers:     cfg.Finisher.Workers,
		QueueSize:   cfg.Finisher.QueueSize,
		Timeout:     cfg.Finisher.Timeout,
		PushRetries: netutil.DefaultRetries,
		Metrics:     app.Metrics,
		Assembler:   assembler,
		Publisher:   app.Publisher,
		KeepFiles:   cfg.Report.KeepFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: finisher: %w", err)
	}

	script := conversation.ScriptFromConfig(cfg.Conversation)
	normalizer := imaging.New(cfg.Report.MaxImageSide)
	normalizer.MaxPixels = cfg.Report.MaxImagePixels
	limiter := ratelimit.New(time.Duration(cfg.RateLimit.IntervalMS)*time.Millisecond, cfg.RateLimit.ExcludeUpdates)
	newController := func(platform string, fetcher conversation.Fetcher, notifier finisher.Notifier) (*conversation.Controller, error) {
		return conversation.New(conversation.Options{
			Platform:   platform,
			Script:     script,
			Store:      app.Store,
			Fetcher:    fetcher,
			Normalizer: normalizer,
			Finisher:   app.Finisher,
			Notifier:   notifier,
			MediaDir:   filepath.Join(cfg.Report.MediaDir, platform),
			MaxImages:  cfg.Report.MaxImages,
			Metrics:    app.Metrics,
		})
	}

	srvOpts := server.Options{HTTP: cfg.HTTP, Metrics: app.Metrics}
	if local, ok := app.Publisher.(*publish.Local); ok {
		srvOpts.DownloadDir = local.Dir()
	}

	if cfg.LineEnabled() {
		messenger, err := line.NewClientMessenger(cfg.Line.ChannelAccessToken, netutil.NewHTTPClient())
		if err != nil {
			return nil, err
		}
		app.Line = line.New(line.Options{
			ChannelSecret: cfg.Line.ChannelSecret,
			Messenger:     messenger,
			Limiter:       limiter,
			Metrics:       app.Metrics,
		})
		ctrl, err := newController(line.Platform, messenger, messenger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: line controller: %w", err)
		}
		app.Line.Bind(ctrl)
		srvOpts.Webhooks = append(srvOpts.Webhooks, server.Route{Path: cfg.Line.WebhookPath, Handler: app.Line.Webhook})
	}

	if cfg.Telegram.Enabled {
		app.Telegram, err = telegram.New(telegram.Options{
			Config:  cfg.Telegram,
			Limiter: limiter,
			Metrics: app.Metrics,
		})
		if err != nil {
			return nil, err
		}
		messenger := app.Telegram.Messenger()
		ctrl, err := newController(telegram.Platform, messenger, messenger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: telegram controller: %w", err)
		}
		app.Telegram.Bind(ctrl)
		app.modules = append(app.modules, ModuleFunc("telegram", app.Telegram.Run))
	}

	app.Server = server.New(srvOpts)
	app.modules = append(app.modules,
		ModuleFunc("http", app.Server.Run),
		ModuleFunc("finisher", app.Finisher.Run),
	)

	logger.Info(ctx, "app", "wired",
		slog.String("backend", app.Publisher.Name()),
		slog.String("session_backend", cfg.Session.Backend),
		slog.Bool("line", app.Line != nil),
		slog.Bool("telegram", app.Telegram != nil),
	)
	return app, nil
}

// Run blocks until ctx is done or a module fails.
func (a *App) Run(ctx context.Context) error {
	return a.modules.Run(ctx)
}

// Close drains the finisher and releases stores and connections.
func (a *App) Close() error {
	var errs []error
	if a.Finisher != nil {
		a.Finisher.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.infra != nil && a.infra.DB != nil {
		if err := a.infra.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
