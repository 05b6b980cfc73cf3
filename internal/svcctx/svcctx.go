// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/freightworks/docket/internal/batch"
	"github.com/freightworks/docket/internal/broadcast"
	"github.com/freightworks/docket/internal/config"
	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/ingest"
	"github.com/freightworks/docket/internal/progress"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/tracker"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store      store.Store
	Tracker    *tracker.StageTracker
	Controller *batch.Controller
	Calculator *progress.Calculator
	Hub        *broadcast.Hub
	Ingestor   *ingest.Ingestor
	ConfigMgr  *config.Manager
	Logger     *slog.Logger
	Home       *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the batch store from context.
func StoreFrom(ctx context.Context) store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// TrackerFrom extracts the stage tracker from context.
func TrackerFrom(ctx context.Context) *tracker.StageTracker {
	if s := ServicesFrom(ctx); s != nil {
		return s.Tracker
	}
	return nil
}

// ControllerFrom extracts the batch controller from context.
func ControllerFrom(ctx context.Context) *batch.Controller {
	if s := ServicesFrom(ctx); s != nil {
		return s.Controller
	}
	return nil
}

// CalculatorFrom extracts the progress calculator from context.
func CalculatorFrom(ctx context.Context) *progress.Calculator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Calculator
	}
	return nil
}

// HubFrom extracts the broadcast hub from context.
func HubFrom(ctx context.Context) *broadcast.Hub {
	if s := ServicesFrom(ctx); s != nil {
		return s.Hub
	}
	return nil
}

// IngestorFrom extracts the document ingestor from context.
func IngestorFrom(ctx context.Context) *ingest.Ingestor {
	if s := ServicesFrom(ctx); s != nil {
		return s.Ingestor
	}
	return nil
}

// ConfigManagerFrom extracts the config manager from context.
func ConfigManagerFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigMgr
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
