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

package recheck

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/gerrit"
)

// EventSource yields failure events, blocking until one is available.
type EventSource interface {
	Next(ctx context.Context) (*gerrit.FailEvent, error)
}

// Reporter dispatches a classified event to chat channels and the
// review feed.
type Reporter interface {
	// Dispatch sends the channel messages for a classified event.
	Dispatch(ctx context.Context, event *gerrit.FailEvent)
	// DispatchMessage sends a free-form notice to negative channels.
	DispatchMessage(ctx context.Context, msg string)
	// LeaveComment posts the classification result on the review.
	LeaveComment(ctx context.Context, event *gerrit.FailEvent) error
}

type readinessGate interface {
	Wait(ctx context.Context, event *gerrit.FailEvent) error
}

type jobClassifier interface {
	Classify(ctx context.Context, change, patch int, buildShortUUID string, recent bool) ([]string, error)
}

// Watch is the orchestrator: one long-lived loop pulling events,
// gating on index readiness, classifying each failed job and handing
// the result to the reporter. Per-event errors never stop the loop.
type Watch struct {
	stream     EventSource
	gate       readinessGate
	classifier jobClassifier
	reporter   Reporter
	log        *logrus.Entry
}

// NewWatch wires the orchestrator.
func NewWatch(stream EventSource, gate *Gate, classifier *Classifier, reporter Reporter, log *logrus.Entry) *Watch {
	return &Watch{
		stream:     stream,
		gate:       gate,
		classifier: classifier,
		reporter:   reporter,
		log:        log,
	}
}

// Run processes events until ctx is done. Events are handled strictly
// one at a time; there is no parallelism across events.
func (w *Watch) Run(ctx context.Context) error {
	for {
		event, err := w.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.WithError(err).Error("Event source error.")
			continue
		}
		w.process(ctx, event)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Watch) process(ctx context.Context, event *gerrit.FailEvent) {
	defer func() {
		if r := recover(); r != nil {
			eventsTotal.WithLabelValues("panic").Inc()
			w.log.WithField("panic", r).
				WithField("stack", string(debug.Stack())).
				Error("Uncaught panic processing event.")
		}
	}()

	log := w.log.WithFields(logrus.Fields{
		"change":  event.Change,
		"rev":     event.Rev,
		"project": event.Project,
	})
	log.WithField("jobs", strings.Join(event.FailedJobNames(), ", ")).
		Info("Looking for failures.")

	if err := w.gate.Wait(ctx, event); err != nil {
		var timedOut *ResultTimedOutError
		if errors.As(err, &timedOut) {
			eventsTotal.WithLabelValues("timeout").Inc()
			log.Warning(timedOut.Msg)
			w.reporter.DispatchMessage(ctx, timedOut.Msg)
			return
		}
		if ctx.Err() != nil {
			return
		}
		eventsTotal.WithLabelValues("error").Inc()
		log.WithError(err).Error("Uncaught error waiting for readiness.")
		return
	}

	for _, job := range event.FailedJobs {
		bugs, err := w.classifier.Classify(ctx, event.Change, event.Rev, job.BuildShortUUID, true)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			eventsTotal.WithLabelValues("error").Inc()
			log.WithError(err).Error("Uncaught error classifying job.")
			return
		}
		job.Bugs = append(job.Bugs, bugs...)
		for _, b := range bugs {
			bugMatches.WithLabelValues(b).Inc()
		}
	}

	if event.IsFullyClassified() {
		eventsTotal.WithLabelValues("classified").Inc()
	} else {
		eventsTotal.WithLabelValues("unclassified").Inc()
	}

	w.reporter.Dispatch(ctx, event)
	if err := w.reporter.LeaveComment(ctx, event); err != nil {
		log.WithError(err).Error("Failed to leave review comment.")
	}
}
