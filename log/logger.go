// Package log provides structured logging with run correlation.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for worker loops (high performance, structured fields)
//   - SugaredLogger: Printf-style logging for CLI/debug surfaces (convenience over performance)
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
//
// Every line emitted by a worker, the dispatcher, or a handler carries the
// correlation fields, so one grep on correlation_id reconstructs a run.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Correlation identifies the work a log line belongs to. Zero-valued fields
// are omitted from output.
type Correlation struct {
	JobID    string
	RunID    string
	WorkerID string
	Attempt  int
}

// CorrelationID renders the job-run pair, the primary search key.
func (c Correlation) CorrelationID() string {
	if c.JobID == "" || c.RunID == "" {
		return ""
	}
	return c.JobID + "-" + c.RunID
}

// Logger provides structured logging with correlation context.
//
// Use this for worker and dispatcher paths where performance matters.
// For CLI/debug surfaces, use Sugar() to get a SugaredLogger.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI and debug surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger carrying the given correlation.
// Output defaults to os.Stderr.
func NewLogger(corr Correlation) *Logger {
	return newLoggerWithWriter(corr, os.Stderr)
}

// NewWorkerLogger creates a logger for a worker loop before any job is
// claimed. Per-run fields are attached later via WithCorrelation.
func NewWorkerLogger(workerID string) *Logger {
	return NewLogger(Correlation{WorkerID: workerID})
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// WithCorrelation returns a logger with the correlation fields attached.
func (l *Logger) WithCorrelation(corr Correlation) *Logger {
	return &Logger{zap: l.zap.With(correlationFields(corr)...)}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func correlationFields(corr Correlation) []zap.Field {
	var fields []zap.Field
	if id := corr.CorrelationID(); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if corr.JobID != "" {
		fields = append(fields, zap.String("job_id", corr.JobID))
	}
	if corr.RunID != "" {
		fields = append(fields, zap.String("run_id", corr.RunID))
	}
	if corr.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", corr.WorkerID))
	}
	if corr.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", corr.Attempt))
	}
	return fields
}

// newLoggerWithWriter creates a logger writing to the specified writer.
func newLoggerWithWriter(corr Correlation, w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &Logger{zap: zap.New(core).With(correlationFields(corr)...)}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
