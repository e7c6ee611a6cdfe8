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

// Package recheck holds the classification core: the readiness gate,
// the classifier and the orchestrator loop tying them to the event
// stream and the reporter.
package recheck

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/config"
	"opendev.org/opendev/elastic-recheck/pkg/gerrit"
	"opendev.org/opendev/elastic-recheck/pkg/querybuilder"
	"opendev.org/opendev/elastic-recheck/pkg/results"
)

// ResultTimedOutError means a readiness phase exhausted its retries;
// the orchestrator reports it to negative channels and moves on.
type ResultTimedOutError struct {
	Msg string
}

func (e *ResultTimedOutError) Error() string { return e.Msg }

// searchEngine is the slice of results.SearchEngine the core needs,
// split out so tests can substitute a fake backend.
type searchEngine interface {
	Search(ctx context.Context, query querybuilder.Doc, opts results.SearchOptions) (*results.ResultSet, error)
}

// Gate waits for the log index to absorb all artifacts of a failure
// event before classification. Phase one polls for the console log of
// every job; phase two polls the filename facet until the per-job
// required-files list is covered, then sleeps a grace period, since one
// filename being indexed does not mean all its lines are.
type Gate struct {
	es       searchEngine
	attempts int
	sleep    time.Duration
	grace    time.Duration
	log      *logrus.Entry
}

// NewGate builds a Gate with the configured retry budget.
func NewGate(es *results.SearchEngine, rw config.RecheckWatch, log *logrus.Entry) *Gate {
	return &Gate{
		es:       es,
		attempts: rw.GateAttempts,
		sleep:    rw.GateSleep,
		grace:    rw.GateGrace,
		log:      log,
	}
}

type notReadyError struct {
	msg string
}

func (e *notReadyError) Error() string { return e.msg }

// Wait blocks until every job of the event is fully indexed, ctx is
// done, or the retry budget runs out. Transient backend errors count
// as "not yet ready" for the attempt.
func (g *Gate) Wait(ctx context.Context, event *gerrit.FailEvent) error {
	started := time.Now()

	if err := g.poll(ctx, func() error {
		for _, job := range event.FailedJobs {
			if err := g.consoleReady(ctx, event, job); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ResultTimedOutError{Msg: fmt.Sprintf(
			"Console logs not available after %ss for %s %d,%d,%s",
			formatElapsed(time.Since(started)), event.FailedJobNames(),
			event.Change, event.Rev, event.BuildShortUUIDs())}
	}

	g.log.WithFields(logrus.Fields{
		"change": event.Change,
		"rev":    event.Rev,
	}).Debug("Found hits for change.")

	if err := g.poll(ctx, func() error {
		for _, job := range event.FailedJobs {
			if err := g.filesReady(ctx, event, job); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ResultTimedOutError{Msg: fmt.Sprintf(
			"Required files not ready after %ss for %s %d,%d,%s",
			formatElapsed(time.Since(started)), event.FailedJobNames(),
			event.Change, event.Rev, event.BuildShortUUIDs())}
	}

	g.log.WithFields(logrus.Fields{
		"change": event.Change,
		"rev":    event.Rev,
	}).Info("All files present for change.")

	select {
	case <-time.After(g.grace):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (g *Gate) poll(ctx context.Context, check func() error) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.sleep), uint64(g.attempts-1)),
		ctx)
	return backoff.Retry(func() error {
		err := check()
		if err != nil {
			g.log.WithError(err).Debug("Not ready yet.")
		}
		return err
	}, bo)
}

func (g *Gate) consoleReady(ctx context.Context, event *gerrit.FailEvent, job *gerrit.FailJob) error {
	doc := querybuilder.ResultReady(event.Change, event.Rev, job.Name, job.BuildShortUUID)
	rs, err := g.es.Search(ctx, doc, results.SearchOptions{Size: 10, Recent: true})
	if err != nil {
		// Transient and protocol errors both mean "try again".
		return err
	}
	if rs.Len() == 0 {
		return &notReadyError{msg: fmt.Sprintf("console logs not ready for %s %d,%d,%s",
			job.Name, event.Change, event.Rev, job.BuildShortUUID)}
	}
	return nil
}

func (g *Gate) filesReady(ctx context.Context, event *gerrit.FailEvent, job *gerrit.FailJob) error {
	doc := querybuilder.FilesReady(event.Change, event.Rev, job.Name, job.BuildShortUUID)
	rs, err := g.es.Search(ctx, doc, results.SearchOptions{Size: 80, Recent: true})
	if err != nil {
		return err
	}
	indexed := map[string]bool{}
	for _, f := range rs.TermValues() {
		indexed[f] = true
	}
	var missing []string
	for _, f := range RequiredFiles(job.Name) {
		if !indexed[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &notReadyError{msg: fmt.Sprintf("%v missing for %s %d,%d,%s",
			missing, job.Name, event.Change, event.Rev, job.BuildShortUUID)}
	}
	return nil
}

// formatElapsed renders a duration on a minutes:seconds boundary the
// way the status messages always have.
func formatElapsed(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
