package browser

import (
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/sites"
)

// sensitiveActions put caller-supplied values into the page. Their values
// are never logged.
var sensitiveActions = map[sites.Action]bool{
	sites.ActionFill:  true,
	sites.ActionPress: false,
}

type stepAuditLogger struct {
	logger *zap.Logger
}

func newStepAuditLogger() *stepAuditLogger {
	return &stepAuditLogger{logger: logging.Named("script-audit")}
}

func (l *stepAuditLogger) logStep(job Job, index, attempt int, step sites.Step, elapsed time.Duration, err error) {
	if l == nil {
		return
	}
	fields := []zap.Field{
		zap.String("request", logging.Ref(job.RequestID)),
		zap.String("profile", job.ProfileID),
		zap.String("site", job.Site),
		zap.Int("step", index),
		zap.String("action", string(step.Action)),
		zap.Int("attempt", attempt),
		zap.Duration("elapsed", elapsed),
	}
	if step.Selector != "" {
		fields = append(fields, zap.String("selector", step.Selector))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		l.logger.Warn("script_step_failed", fields...)
		return
	}
	if sensitiveActions[step.Action] {
		l.logger.Info("script_sensitive_step", fields...)
	} else {
		l.logger.Debug("script_step", fields...)
	}
}
