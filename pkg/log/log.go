package log

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const LevelEnv = "BGT_LOG"

var logger *zap.Logger = zap.NewNop()

type Options struct {
	// Level is one of error, warn, info, debug or trace.
	Level string
	// File, when set, receives JSON logs with size based rotation instead of the console.
	File string
}

func OptionsFromEnv() Options {
	return Options{Level: os.Getenv(LevelEnv)}
}

func ParseLevel(level string) (zapcore.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, false, nil
	case "error":
		return zapcore.ErrorLevel, false, nil
	case "warn", "warning":
		return zapcore.WarnLevel, false, nil
	case "debug":
		return zapcore.DebugLevel, false, nil
	case "trace":
		return zapcore.DebugLevel, true, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q", level)
	}
}

func Init(opts Options) *zap.Logger {
	level, trace, err := ParseLevel(opts.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, falling back to info\n", err)
	}

	var core zapcore.Core
	if opts.File != "" {
		encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    64,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
		core = zapcore.NewCore(encoder, sink, level)
	} else {
		config := zap.NewDevelopmentEncoderConfig()
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.ConsoleSeparator = " "
		config.EncodeTime = zapcore.TimeEncoderOfLayout(time.StampMilli)
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(config), zapcore.Lock(os.Stderr), level)
	}

	zapOptions := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if trace {
		zapOptions = []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.WarnLevel)}
	}

	logger = zap.New(core, zapOptions...)
	zap.ReplaceGlobals(logger)
	return logger
}

func Sync() {
	_ = logger.Sync()
}
