package logger

import (
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init installs the global zap logger. Development gets a coloured console
// encoder, everything else JSON on stdout.
func Init(debug bool, env string) *zap.Logger {
	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.ISO8601TimeEncoder
	pe.MessageKey = "message"
	pe.TimeKey = "time"

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	var encoder zapcore.Encoder
	if env == "development" {
		pe.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(pe)
	} else {
		encoder = zapcore.NewJSONEncoder(pe)
	}

	logger := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(colorable.NewColorableStdout()), level))
	zap.ReplaceGlobals(logger)

	return logger
}
