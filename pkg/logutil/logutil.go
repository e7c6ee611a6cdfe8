/*
Copyright 2024 The Elastic Recheck Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logutil implements some helpers for using logrus
package logutil

import (
	"github.com/sirupsen/logrus"
)

// DefaultFieldsFormatter wraps another logrus.Formatter, injecting
// DefaultFields into each Format() call, existing fields are preserved
// if they have the same key
type DefaultFieldsFormatter struct {
	WrappedFormatter logrus.Formatter
	DefaultFields    logrus.Fields
}

// NewDefaultFieldsFormatter returns a DefaultFieldsFormatter,
// if wrappedFormatter is nil a logrus.TextFormatter with full
// timestamps will be used instead
func NewDefaultFieldsFormatter(
	wrappedFormatter logrus.Formatter, defaultFields logrus.Fields,
) *DefaultFieldsFormatter {
	res := &DefaultFieldsFormatter{
		WrappedFormatter: wrappedFormatter,
		DefaultFields:    defaultFields,
	}
	if res.WrappedFormatter == nil {
		res.WrappedFormatter = &logrus.TextFormatter{FullTimestamp: true}
	}
	return res
}

// Format implements logrus.Formatter's Format. We allocate a new Fields
// map in order to not modify the caller's Entry, as that is not a thread
// safe operation.
func (d *DefaultFieldsFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+len(d.DefaultFields))
	for k, v := range d.DefaultFields {
		data[k] = v
	}
	for k, v := range entry.Data {
		data[k] = v
	}
	return d.WrappedFormatter.Format(&logrus.Entry{
		Logger:  entry.Logger,
		Data:    data,
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
		Caller:  entry.Caller,
	})
}

// ComponentInit sets up the global logger the way every elastic-recheck
// binary expects it: a component field on every line and info verbosity
// for our own channels. Chatty dependencies get their own adapters, see
// NewPrintfLogger.
func ComponentInit(component string) {
	logrus.SetFormatter(NewDefaultFieldsFormatter(nil, logrus.Fields{
		"component": component,
	}))
	logrus.SetLevel(logrus.InfoLevel)
}

// PrintfLogger adapts a *logrus.Entry to the Printf-style logger
// interfaces exposed by dependent libraries (notably the elasticsearch
// client), pinned at a fixed level so their verbosity stays down.
type PrintfLogger struct {
	entry *logrus.Entry
	level logrus.Level
}

// NewPrintfLogger returns a PrintfLogger writing to entry at level.
func NewPrintfLogger(entry *logrus.Entry, level logrus.Level) *PrintfLogger {
	return &PrintfLogger{entry: entry, level: level}
}

// Printf implements the single-method logger contract.
func (p *PrintfLogger) Printf(format string, args ...interface{}) {
	p.entry.Logf(p.level, format, args...)
}
