package meter

import (
	"log/slog"

	"github.com/pictor-ai/imagebroker"
)

// LogMeter logs lifecycle events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ imagebroker.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmit(e imagebroker.AdmitEvent) {
	m.Logger.Info("admit",
		"key", e.Key,
		"model", e.Model,
		"requested", e.Requested,
		"admitted", e.Admitted,
		"rejected", e.Rejected,
		"credit_mode", e.CreditMode,
		"remaining", e.Remaining,
	)
}

func (m *LogMeter) OnDispatch(e imagebroker.DispatchEvent) {
	if e.Success {
		m.Logger.Info("dispatch",
			"provider", e.Provider,
			"model", e.Model,
			"call", e.Call,
			"of", e.Of,
			"images", e.Images,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Warn("dispatch failed",
		"provider", e.Provider,
		"model", e.Model,
		"call", e.Call,
		"of", e.Of,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnReconcile(e imagebroker.ReconcileEvent) {
	m.Logger.Info("reconcile",
		"key", e.Key,
		"decision", e.DecisionID,
		"produced", e.Produced,
		"deducted", e.Deducted,
		"balance", e.Balance,
	)
}
