package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	Logger        = zap.Logger
	SugaredLogger = zap.SugaredLogger
	Option        = zap.Option
)

// global Logger and SugaredLogger.
var (
	_globalMu sync.RWMutex
	_globalL  *Logger
	_globalS  *SugaredLogger
)

func init() {
	SetLogger(zap.Must(NewLeveled(InfoLevel)))
}

// NewLeveled builds a console logger filtering below l. SilentLevel
// discards everything.
func NewLeveled(l Level, options ...Option) (*Logger, error) {
	switch l {
	case SilentLevel:
		return zap.NewNop(), nil
	case DebugLevel:
		return zap.NewDevelopment(options...)
	case InfoLevel, WarnLevel, ErrorLevel, DPanicLevel, PanicLevel, FatalLevel:
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Level.SetLevel(l)
		return cfg.Build(options...)
	default:
		return nil, fmt.Errorf("invalid level: %s", l)
	}
}

// SetLogger sets the global Logger and SugaredLogger.
func SetLogger(logger *Logger) {
	_globalMu.Lock()
	defer _globalMu.Unlock()
	_globalL = logger
	_globalS = _globalL.Sugar()
}

// L returns the global Logger.
func L() *Logger {
	_globalMu.RLock()
	l := _globalL
	_globalMu.RUnlock()
	return l
}

func logf(lvl Level, template string, args ...any) {
	_globalMu.RLock()
	s := _globalS
	_globalMu.RUnlock()
	s.Logf(lvl, template, args...)
}

func Debugf(template string, args ...any) {
	logf(DebugLevel, template, args...)
}

func Infof(template string, args ...any) {
	logf(InfoLevel, template, args...)
}

func Warnf(template string, args ...any) {
	logf(WarnLevel, template, args...)
}

func Errorf(template string, args ...any) {
	logf(ErrorLevel, template, args...)
}

func Fatalf(template string, args ...any) {
	logf(FatalLevel, template, args...)
}
