// Package log provides the logging functionality for gpm.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *gpmLogger
var nopLogger = zap.NewNop().Sugar()

func init() {
	Logger = CreateLoggerWithConfig(DefaultLoggerConfig())
}

func DefaultLoggerConfig() *zap.Config {
	c := zap.NewProductionConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return &c
}

func CreateLoggerWithLumberjack(logFile string, maxSize int, logLevel zapcore.Level) *gpmLogger {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSize, // megabytes
		MaxBackups: 5,
		MaxAge:     3,    // days
		Compress:   true, // compress the rotated files
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		w,
		logLevel,
	)
	logger := zap.New(core)
	return newGpmLogger(logger.Sugar())
}

func ParseLogLevel(logLevel string) (zap.AtomicLevel, error) {
	zapLvl := zap.NewAtomicLevel() // info level by default
	if logLevel != "" && logLevel != "info" {
		var err error
		zapLvl, err = zap.ParseAtomicLevel(logLevel)
		if err != nil {
			return zap.AtomicLevel{}, err
		}
	}
	return zapLvl, nil
}

func CreateLogger(logLevel zap.AtomicLevel, logFile string) *gpmLogger {
	if logFile != "" {
		return CreateLoggerWithLumberjack(logFile, 128, logLevel.Level())
	}

	lCfg := DefaultLoggerConfig()
	lCfg.Level = logLevel
	return CreateLoggerWithConfig(lCfg)
}

func CreateLoggerWithConfig(config *zap.Config) *gpmLogger {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	l, err := config.Build()
	if err != nil {
		panic(err)
	}

	return newGpmLogger(l.Sugar())
}

type gpmLogger struct {
	logger atomic.Pointer[zap.SugaredLogger]
}

func newGpmLogger(logger *zap.SugaredLogger) *gpmLogger {
	l := &gpmLogger{}
	l.set(logger)
	return l
}

func (l *gpmLogger) get() *zap.SugaredLogger {
	if l == nil {
		return nopLogger
	}
	logger := l.logger.Load()
	if logger == nil {
		return nopLogger
	}
	return logger
}

func (l *gpmLogger) set(logger *zap.SugaredLogger) {
	if logger == nil {
		logger = nopLogger
	}
	l.logger.Store(logger)
}

func SetLogger(logger *gpmLogger) {
	if logger == nil {
		Logger.set(nil)
		return
	}
	Logger.set(logger.get())
}

func (l *gpmLogger) Debug(args ...interface{}) {
	l.get().Debug(args...)
}

func (l *gpmLogger) Debugf(template string, args ...interface{}) {
	l.get().Debugf(template, args...)
}

func (l *gpmLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.get().Debugw(msg, keysAndValues...)
}

func (l *gpmLogger) Info(args ...interface{}) {
	l.get().Info(args...)
}

func (l *gpmLogger) Infof(template string, args ...interface{}) {
	l.get().Infof(template, args...)
}

func (l *gpmLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.get().Infow(msg, keysAndValues...)
}

func (l *gpmLogger) Warn(args ...interface{}) {
	l.get().Warn(args...)
}

func (l *gpmLogger) Warnf(template string, args ...interface{}) {
	l.get().Warnf(template, args...)
}

func (l *gpmLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.get().Warnw(msg, keysAndValues...)
}

func (l *gpmLogger) Error(args ...interface{}) {
	l.get().Error(args...)
}

func (l *gpmLogger) Errorf(template string, args ...interface{}) {
	l.get().Errorf(template, args...)
}

func (l *gpmLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.get().Errorw(msg, keysAndValues...)
}

func (l *gpmLogger) Fatal(args ...interface{}) {
	l.get().Fatal(args...)
}

func (l *gpmLogger) With(args ...interface{}) *zap.SugaredLogger {
	return l.get().With(args...)
}

func (l *gpmLogger) Desugar() *zap.Logger {
	return l.get().Desugar()
}
