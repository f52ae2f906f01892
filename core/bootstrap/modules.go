package bootstrap

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/createrken-code/nippo-shokuninn/core/logger"
)

// Module is a long-running component started by App.Run.
type Module struct {
	Name string
	Run  func(ctx context.Context) error
}

// ModuleFunc adapts a bare function into a Module.
func ModuleFunc(name string, fn func(ctx context.Context) error) Module {
	return Module{Name: name, Run: fn}
}

// Modules runs every module until ctx is done or one of them fails.
// A failing module cancels the others.
type Modules []Module

// Run blocks until all modules returned.
func (m Modules) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, mod := range m {
		if mod.Run == nil {
			continue
		}
		g.Go(func() error {
			logger.Debug(ctx, "app", "module.start", slog.String("handler", mod.Name))
			err := mod.Run(ctx)
			attrs := []slog.Attr{slog.String("handler", mod.Name), slog.String("status", logger.Status(err))}
			if err != nil {
				attrs = append(attrs, slog.String("err", err.Error()))
			}
			logger.Info(ctx, "app", "module.stop", attrs...)
			return err
		})
	}
	return g.Wait()
}
