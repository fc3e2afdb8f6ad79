package sentryutil

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/swapslab/tradeloop/env"
	"github.com/swapslab/tradeloop/service/logger"
)

// Init configures the sentry client from the environment. A missing DSN
// disables reporting and is not an error.
func Init(ctx context.Context) {
	dsn := env.GetString("SENTRY_DSN")
	if dsn == "" {
		logger.For(ctx).Info("sentry disabled, no dsn configured")
		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env.GetString("ENV"),
		AttachStacktrace: true,
	})
	if err != nil {
		logger.For(ctx).Errorf("sentry init failed: %s", err)
	}
}

// ReportError captures an error on the hub attached to the context, falling
// back to the global hub.
func ReportError(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

// Flush drains buffered events; called on shutdown.
func Flush() {
	sentry.Flush(2 * time.Second)
}
