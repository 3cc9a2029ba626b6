// internal/logger/styled.go
package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"
	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme
func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Counts}.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithWorker logs an informational message naming a worker ID.
func (sl *StyledLogger) InfoWithWorker(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.WorkerID}.Sprint(workerID))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithHealthCheck logs a routine worker health-check result.
func (sl *StyledLogger) InfoWithHealthCheck(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.HealthCheck}.Sprint(workerID))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithNumbers(msg string, numbers ...int64) {
	var formattedNums []string
	for _, num := range numbers {
		formattedNums = append(formattedNums, pterm.Style{sl.theme.Numbers}.Sprint(num))
	}

	// Build message with styled numbers
	styledMsg := fmt.Sprintf(msg, toInterfaceSlice(formattedNums)...)
	sl.logger.Info(styledMsg)
}

// WarnWithWorker logs a warning naming a worker ID.
func (sl *StyledLogger) WarnWithWorker(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.WorkerID}.Sprint(workerID))
	sl.logger.Warn(styledMsg, args...)
}

// ErrorWithWorker logs an error naming a worker ID.
func (sl *StyledLogger) ErrorWithWorker(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.WorkerID}.Sprint(workerID))
	sl.logger.Error(styledMsg, args...)
}

func (sl *StyledLogger) statusColorAndText(status domain.WorkerStatus) (pterm.Color, string) {
	switch status {
	case domain.WorkerIdle:
		return sl.theme.StatusIdle, "Idle"
	case domain.WorkerBusy:
		return sl.theme.StatusBusy, "Busy"
	case domain.WorkerStarting:
		return sl.theme.StatusStarting, "Starting"
	case domain.WorkerFailed:
		return sl.theme.StatusFailed, "Failed"
	case domain.WorkerStopped:
		return sl.theme.StatusStopped, "Stopped"
	default:
		return sl.theme.StatusStopped, string(status)
	}
}

// InfoWorkerStatus logs a worker lifecycle transition, coloured by status.
func (sl *StyledLogger) InfoWorkerStatus(msg string, workerID string, status domain.WorkerStatus, args ...any) {
	statusColor, statusText := sl.statusColorAndText(status)
	styledMsg := fmt.Sprintf("%s %s is %s", msg, pterm.Style{sl.theme.WorkerID}.Sprint(workerID), pterm.Style{statusColor}.Sprint(statusText))
	sl.logger.Info(styledMsg, args...)
}

// InfoIdle logs that a worker has become idle.
func (sl *StyledLogger) InfoIdle(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.StatusIdle}.Sprint(workerID))
	sl.logger.Info(styledMsg, args...)
}

// WarnFailed logs that a worker has failed.
func (sl *StyledLogger) WarnFailed(msg string, workerID string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.StatusFailed}.Sprint(workerID))
	sl.logger.Warn(styledMsg, args...)
}

// InfoWithPoolStats logs a worker pool status breakdown by lifecycle state.
func (sl *StyledLogger) InfoWithPoolStats(msg string, idle, busy, failed int, args ...any) {
	idleStyled := pterm.Style{sl.theme.StatusIdle}.Sprint(idle)
	busyStyled := pterm.Style{sl.theme.StatusBusy}.Sprint(busy)
	failedStyled := pterm.Style{sl.theme.StatusFailed}.Sprint(failed)

	allArgs := make([]any, 0, len(args)+6)
	allArgs = append(allArgs, args...)
	allArgs = append(allArgs,
		"idle", idleStyled,
		"busy", busyStyled,
		"failed", failedStyled,
	)

	sl.logger.Info(msg, allArgs...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	// Convert slog.Attr to key-value pairs
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// With creates a new StyledLogger with additional key-value pairs
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// Helper function to convert string slice to interface slice
func toInterfaceSlice(strs []string) []interface{} {
	result := make([]interface{}, len(strs))
	for i, s := range strs {
		result[i] = s
	}
	return result
}

// NewWithTheme creates both a regular logger and a styled logger
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}
