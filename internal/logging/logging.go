// Package logging builds the zap loggers used across the gateway.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New returns a logger writing to stdout. Unknown levels fall back to info,
// unknown formats to console.
func New(level, format string) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
		EncodeName:   zapcore.FullNameEncoder,
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), ParseLevel(level))
	return zap.New(core, zap.AddCaller())
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}
