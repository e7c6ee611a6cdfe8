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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/gerrit"
	"opendev.org/opendev/elastic-recheck/pkg/querybuilder"
	"opendev.org/opendev/elastic-recheck/pkg/results"
)

// fakeEngine scripts backend responses by substring of the query. The
// console marker query and the faceted files query are distinguishable
// by their content.
type fakeEngine struct {
	// console counts down: the console query reports no hits until it
	// has been asked console times.
	console int
	// files is the filename facet the files query returns.
	files []string
	// err, when set, fails every search.
	err error

	searches int
}

func (f *fakeEngine) Search(ctx context.Context, doc querybuilder.Doc, opts results.SearchOptions) (*results.ResultSet, error) {
	f.searches++
	if f.err != nil {
		return nil, f.err
	}
	raw := fmt.Sprintf("%v", doc["query"])
	if strings.Contains(raw, "console.html") {
		if f.console > 0 {
			f.console--
			return results.NewResultSet(nil, 0, nil), nil
		}
		return results.NewResultSet(nil, 1, nil), nil
	}
	terms := make([]results.TermCount, 0, len(f.files))
	for _, name := range f.files {
		terms = append(terms, results.TermCount{Term: name, Count: 1})
	}
	return results.NewResultSet(nil, int64(len(terms)), terms), nil
}

func testEvent() *gerrit.FailEvent {
	return &gerrit.FailEvent{
		Change:  34825,
		Rev:     3,
		Project: "openstack/nova",
		URL:     "https://review.opendev.org/34825",
		FailedJobs: []*gerrit.FailJob{
			gerrit.NewFailJob("gate-nova-python27",
				"http://logs.openstack.org/25/34825/3/gate/gate-nova-python27/5a7f3f0"),
		},
	}
}

func testGate(es searchEngine, attempts int) *Gate {
	return &Gate{
		es:       es,
		attempts: attempts,
		sleep:    time.Millisecond,
		grace:    0,
		log:      logrus.NewEntry(logrus.New()),
	}
}

func TestGateWaitReady(t *testing.T) {
	// Console shows up on the second attempt, files are already there.
	es := &fakeEngine{console: 1, files: []string{"console.html"}}
	g := testGate(es, 3)
	if err := g.Wait(context.Background(), testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGateWaitConsoleTimeout(t *testing.T) {
	es := &fakeEngine{console: 100}
	g := testGate(es, 2)
	err := g.Wait(context.Background(), testEvent())
	var timedOut *ResultTimedOutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("expected ResultTimedOutError, got %v", err)
	}
	if !strings.Contains(timedOut.Msg, "Console logs not available") {
		t.Errorf("unexpected message: %q", timedOut.Msg)
	}
	if es.searches != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", es.searches)
	}
}

func TestGateWaitFilesTimeout(t *testing.T) {
	// Console is there but the facet never covers the required files.
	es := &fakeEngine{files: []string{"logs/screen-n-api.txt"}}
	g := testGate(es, 2)
	err := g.Wait(context.Background(), testEvent())
	var timedOut *ResultTimedOutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("expected ResultTimedOutError, got %v", err)
	}
	if !strings.Contains(timedOut.Msg, "Required files not ready") {
		t.Errorf("unexpected message: %q", timedOut.Msg)
	}
}

func TestGateWaitBackendErrorsRetry(t *testing.T) {
	// Backend failures burn attempts instead of aborting.
	es := &fakeEngine{err: &results.TransientBackendError{Err: fmt.Errorf("down")}}
	g := testGate(es, 2)
	err := g.Wait(context.Background(), testEvent())
	var timedOut *ResultTimedOutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("expected ResultTimedOutError, got %v", err)
	}
	if es.searches != 2 {
		t.Errorf("expected 2 attempts, got %d", es.searches)
	}
}

func TestGateWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	es := &fakeEngine{console: 100}
	g := testGate(es, 5)
	err := g.Wait(ctx, testEvent())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFormatElapsed(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want string
	}{
		{40 * time.Second, "0:40"},
		{13*time.Minute + 20*time.Second, "13:20"},
		{61 * time.Second, "1:01"},
	} {
		if got := formatElapsed(tc.d); got != tc.want {
			t.Errorf("formatElapsed(%v): got %q, want %q", tc.d, got, tc.want)
		}
	}
}
