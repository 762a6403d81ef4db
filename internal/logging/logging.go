// Package logging builds the rotating, redacting zap loggers used by
// every reelsmith component.
package logging

import (
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|secret|key|token|auth|credential)[\s]*[=:][\s]*[^\s]+`),
}

// Config controls where and how logs are written and rotated.
type Config struct {
	Level      string // debug, info, warn, error
	Dir        string // if empty, logs go to stdout only
	MaxSizeMB  int    // per-file size before rotation, default 100
	MaxBackups int    // number of rotated archives to keep, default 5
	MaxAgeDays int    // days to keep archives, default 28
}

// Logger wraps zap.Logger with secret redaction helpers.
type Logger struct {
	*zap.Logger
}

// New builds a production JSON logger. When cfg.Dir is set, output is
// routed through a lumberjack rotating writer so logs never accumulate
// unboundedly; otherwise it logs to stdout.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	var core zapcore.Core
	if cfg.Dir != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Dir + "/reelsmith.log",
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		core = zapcore.NewCore(encoder, zapcore.AddSync(rotator), level)
	} else {
		core = zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), level)
	}

	logger := zap.New(core, zap.AddCaller())
	return &Logger{Logger: logger}, nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// Redact strips credential-shaped substrings ("password=...", "token: ...")
// from a string before it reaches a log line.
func Redact(s string) string {
	redacted := s
	for _, pattern := range secretPatterns {
		redacted = pattern.ReplaceAllStringFunc(redacted, func(match string) string {
			if i := strings.IndexAny(match, "=:"); i >= 0 {
				return match[:i+1] + "***REDACTED***"
			}
			return "***REDACTED***"
		})
	}
	return redacted
}

// Named returns a child logger tagged with the given component name,
// e.g. "queue", "transfer.sftp", "encoder".
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}
