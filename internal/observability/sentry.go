package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubCredentials,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// ReportError sends err to Sentry tagged with the failing operation.
func ReportError(err error, operation string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", operation)
		sentry.CaptureException(err)
	})
}

// Bearer tokens and request bodies may carry credentials.
func scrubCredentials(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request != nil {
		delete(event.Request.Headers, "Authorization")
		delete(event.Request.Headers, "Cookie")
		event.Request.Data = ""
	}
	return event
}
