// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package corelog provides the Logger capability every component constructor
// accepts. There is no global logging state: callers pass a Logger handle,
// or nil for silence.
package corelog

import "github.com/sirupsen/logrus"

// Logger is an interface which can be satisfied to print debug logging when
// things go wrong. It is entirely optional; a nil Logger means silence.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Logf is a no-op safe helper: call Logf(logger, ...) instead of checking
// logger == nil at every call site.
func Logf(l Logger, format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}

// Logrus adapts a *logrus.Entry (or *logrus.Logger) to the Logger interface.
type Logrus struct {
	Entry *logrus.Entry
}

// NewLogrus builds a Logger backed by logrus, with the given component field set.
func NewLogrus(base *logrus.Logger, component string) Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logrus{Entry: base.WithField("component", component)}
}

func (l *Logrus) Printf(format string, v ...interface{}) {
	l.Entry.Infof(format, v...)
}
