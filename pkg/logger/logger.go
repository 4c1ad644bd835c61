// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled, structured logger with key/value context.
// Errorw and Warnw accept the error ahead of the key/value pairs so call
// sites read naturally: logger.Errorw("could not store room", err, "room", id).
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
	WithValues(keysAndValues ...interface{}) Logger
}

type zapLogger struct {
	sl *zap.SugaredLogger
}

func (l *zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sl.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.sl.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.sl.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.sl.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) WithValues(keysAndValues ...interface{}) Logger {
	return &zapLogger{sl: l.sl.With(keysAndValues...)}
}

var defaultLogger Logger = newZapLogger("info", false)

func newZapLogger(level string, json bool) Logger {
	lvl := zapcore.InfoLevel
	_ = lvl.UnmarshalText([]byte(level))

	conf := zap.NewDevelopmentConfig()
	if json {
		conf = zap.NewProductionConfig()
	}
	conf.Level = zap.NewAtomicLevelAt(lvl)

	l, _ := conf.Build(zap.AddCallerSkip(2))
	return &zapLogger{sl: l.Sugar()}
}

// InitFromConfig replaces the process-wide logger. Call once at startup.
func InitFromConfig(level string, json bool) {
	defaultLogger = newZapLogger(level, json)
}

func GetLogger() Logger {
	return defaultLogger
}

func Debugw(msg string, keysAndValues ...interface{}) {
	defaultLogger.Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	defaultLogger.Infow(msg, keysAndValues...)
}

func Warnw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Warnw(msg, err, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Errorw(msg, err, keysAndValues...)
}
