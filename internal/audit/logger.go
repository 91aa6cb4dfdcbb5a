package audit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger records the audit trail of diagnostic conversations.
type Logger interface {
	Log(ctx context.Context, event *Event) error

	LogSessionCreated(ctx context.Context, sessionID string) error
	LogSessionReset(ctx context.Context, sessionID string) error
	LogFixProposed(ctx context.Context, sessionID, cause string, confidence float64) error
	LogFixVerdict(ctx context.Context, sessionID, cause string, confirmed bool) error
	LogDiagnosisResolved(ctx context.Context, sessionID, cause string, confidence float64, duration time.Duration) error
	LogArtifactAnalyzed(ctx context.Context, sessionID, artifactID string, components int) error

	// Sync writes buffered events.
	Sync() error
	Close() error
}

// Config configures the audit file and its rotation.
type Config struct {
	AuditLogPath  string        `mapstructure:"audit_log_path"`
	MaxSize       int           `mapstructure:"max_size"` // megabytes
	MaxBackups    int           `mapstructure:"max_backups"`
	MaxAge        int           `mapstructure:"max_age"` // days
	Compress      bool          `mapstructure:"compress"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100,
		MaxBackups:    10,
		MaxAge:        30,
		Compress:      true,
		FlushInterval: time.Second,
	}
}

// flushThreshold is the number of buffered events that forces a write.
const flushThreshold = 100

type fileLogger struct {
	out    *zap.Logger
	errLog *zap.Logger

	mu      sync.Mutex
	pending []*Event

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewLogger opens the audit file described by config. Write failures are
// reported to appLogger, which may be nil.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}
	interval := config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	// Events carry their own timestamp and level is always info, so the
	// encoder only adds the message (the event type).
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	})

	l := &fileLogger{
		out:     zap.New(zapcore.NewCore(enc, sink, zapcore.InfoLevel)),
		errLog:  appLogger.Named("audit"),
		pending: make([]*Event, 0, flushThreshold),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.flushLoop(interval)
	return l, nil
}

func (l *fileLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, event)
	if len(l.pending) >= flushThreshold {
		l.writeLocked()
	}
	return nil
}

// writeLocked drains the buffer. l.mu must be held.
func (l *fileLogger) writeLocked() {
	for _, event := range l.pending {
		l.out.Info(string(event.EventType), zap.Inline(event))
	}
	l.pending = l.pending[:0]
}

func (l *fileLogger) flushLoop(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.writeLocked()
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *fileLogger) LogSessionCreated(ctx context.Context, sessionID string) error {
	return l.Log(ctx, NewEvent(EventSessionCreated).
		WithSession(sessionID, "init").
		WithResult(ResultSuccess))
}

func (l *fileLogger) LogSessionReset(ctx context.Context, sessionID string) error {
	return l.Log(ctx, NewEvent(EventSessionReset).
		WithSession(sessionID, "init").
		WithResult(ResultSuccess))
}

func (l *fileLogger) LogFixProposed(ctx context.Context, sessionID, cause string, confidence float64) error {
	return l.Log(ctx, NewEvent(EventFixProposed).
		WithSession(sessionID, "verifying").
		WithCause(cause).
		WithConfidence(confidence).
		WithDescription(fmt.Sprintf("Fix for %s proposed at %.2f", cause, confidence)))
}

func (l *fileLogger) LogFixVerdict(ctx context.Context, sessionID, cause string, confirmed bool) error {
	event := NewEvent(EventFixRejected).WithResult(ResultRejected)
	if confirmed {
		event = NewEvent(EventFixConfirmed).WithResult(ResultSuccess)
	}
	return l.Log(ctx, event.WithSession(sessionID, "verifying").WithCause(cause))
}

func (l *fileLogger) LogDiagnosisResolved(ctx context.Context, sessionID, cause string, confidence float64, duration time.Duration) error {
	return l.Log(ctx, NewEvent(EventDiagnosisResolved).
		WithSession(sessionID, "resolved").
		WithCause(cause).
		WithConfidence(confidence).
		WithDuration(duration).
		WithResult(ResultSuccess))
}

func (l *fileLogger) LogArtifactAnalyzed(ctx context.Context, sessionID, artifactID string, components int) error {
	return l.Log(ctx, NewEvent(EventArtifactAnalyzed).
		WithSession(sessionID, "awaiting_artifacts").
		WithTarget("schematic", artifactID).
		WithMetadata("components", components).
		WithResult(ResultSuccess))
}

func (l *fileLogger) Sync() error {
	l.mu.Lock()
	l.writeLocked()
	l.mu.Unlock()

	if err := l.out.Sync(); err != nil {
		l.errLog.Warn("audit sync failed", zap.Error(err))
		return err
	}
	return nil
}

// Close stops the flush loop and writes what is left. It is safe to call
// more than once.
func (l *fileLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID returns the correlation id carried by ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID returns a new id of the form <unixnano>-<pid>-<rand>.
func GenerateCorrelationID() string {
	return fmt.Sprintf("%d-%d-%s", time.Now().UnixNano(), os.Getpid(), uuid.NewString()[:8])
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) LogSessionCreated(context.Context, string) error { return nil }
func (nopLogger) LogSessionReset(context.Context, string) error { return nil }
func (nopLogger) LogFixProposed(context.Context, string, string, float64) error { return nil }
func (nopLogger) LogFixVerdict(context.Context, string, string, bool) error { return nil }
func (nopLogger) LogArtifactAnalyzed(context.Context, string, string, int) error { return nil }
func (nopLogger) Sync() error { return nil }
func (nopLogger) Close() error { return nil }
func (nopLogger) LogDiagnosisResolved(context.Context, string, string, float64, time.Duration) error {
	return nil
}
