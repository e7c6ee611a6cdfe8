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

package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/olivere/elastic/v7"
	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/querybuilder"
)

type fakeSearcher struct {
	existing map[string]bool

	searchedIndices []string
	searchedBody    map[string]interface{}
	result          *elastic.SearchResult
	err             error
}

func (f *fakeSearcher) search(ctx context.Context, indices []string, body interface{}) (*elastic.SearchResult, error) {
	f.searchedIndices = indices
	f.searchedBody = body.(map[string]interface{})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSearcher) indexExists(ctx context.Context, index string) (bool, error) {
	return f.existing[index], nil
}

func emptyResult() *elastic.SearchResult {
	return &elastic.SearchResult{Hits: &elastic.SearchHits{TotalHits: &elastic.TotalHits{}}}
}

func testEngine(backend searcher, now time.Time) *SearchEngine {
	return &SearchEngine{
		url:         "http://example.com",
		indexFormat: "logstash-2006.01.02",
		log:         logrus.NewEntry(logrus.New()),
		backend:     backend,
		now:         func() time.Time { return now },
	}
}

func TestSearchRecentIndexes(t *testing.T) {
	for _, tc := range []struct {
		name     string
		now      time.Time
		existing map[string]bool
		want     []string
	}{
		{
			name:     "mid-day",
			now:      time.Date(2014, 3, 13, 12, 0, 0, 0, time.UTC),
			existing: map[string]bool{"logstash-2014.03.13": true},
			want:     []string{"logstash-2014.03.13"},
		},
		{
			name: "just past midnight spans two days",
			now:  time.Date(2014, 3, 13, 0, 30, 0, 0, time.UTC),
			existing: map[string]bool{
				"logstash-2014.03.13": true,
				"logstash-2014.03.12": true,
			},
			want: []string{"logstash-2014.03.13", "logstash-2014.03.12"},
		},
		{
			name: "todays index not created yet",
			now:  time.Date(2014, 3, 13, 0, 30, 0, 0, time.UTC),
			existing: map[string]bool{
				"logstash-2014.03.12": true,
			},
			want: []string{"logstash-2014.03.12"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeSearcher{existing: tc.existing, result: emptyResult()}
			e := testEngine(backend, tc.now)
			if _, err := e.Search(context.Background(), querybuilder.Generic("foo"), SearchOptions{Recent: true}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, backend.searchedIndices); diff != "" {
				t.Errorf("indices mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSearchRecentNothingIndexed(t *testing.T) {
	backend := &fakeSearcher{existing: map[string]bool{}, result: emptyResult()}
	e := testEngine(backend, time.Date(2014, 3, 13, 12, 0, 0, 0, time.UTC))
	rs, err := e.Search(context.Background(), querybuilder.Generic("foo"), SearchOptions{Recent: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Len() != 0 {
		t.Errorf("expected empty result set, got %d", rs.Len())
	}
	if backend.searchedBody != nil {
		t.Error("no search should be issued when nothing recent is indexed")
	}
}

func TestSearchDailyIndexes(t *testing.T) {
	backend := &fakeSearcher{result: emptyResult()}
	e := testEngine(backend, time.Date(2014, 3, 13, 12, 0, 0, 0, time.UTC))
	if _, err := e.Search(context.Background(), querybuilder.Generic("foo"), SearchOptions{Days: 1.5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"logstash-2014.03.13", "logstash-2014.03.12", "logstash-2014.03.11"}
	if diff := cmp.Diff(want, backend.searchedIndices); diff != "" {
		t.Errorf("indices mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchEmbedsSize(t *testing.T) {
	backend := &fakeSearcher{result: emptyResult()}
	e := testEngine(backend, time.Date(2014, 3, 13, 12, 0, 0, 0, time.UTC))
	doc := querybuilder.Generic("foo")
	if _, err := e.Search(context.Background(), doc, SearchOptions{Size: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.searchedBody["size"]; got != 10 {
		t.Errorf("size not embedded: %v", got)
	}
	if _, ok := doc["size"]; ok {
		t.Error("Search must not mutate the caller's document")
	}
}

func TestSearchParsesResponse(t *testing.T) {
	res := &elastic.SearchResult{
		TookInMillis: 53,
		Hits: &elastic.SearchHits{
			TotalHits: &elastic.TotalHits{Value: 2},
			Hits: []*elastic.SearchHit{
				{Index: "logstash-2014.03.13", Source: json.RawMessage(`{"build_status":"FAILURE"}`)},
				{Index: "logstash-2014.03.13", Source: json.RawMessage(`{"build_status":"SUCCESS"}`)},
			},
		},
		Aggregations: elastic.Aggregations{
			"tag": json.RawMessage(`{"buckets":[{"key":"console.html","doc_count":5},{"key":"syslog.txt","doc_count":2}]}`),
		},
	}
	backend := &fakeSearcher{result: res}
	e := testEngine(backend, time.Date(2014, 3, 13, 12, 0, 0, 0, time.UTC))
	rs, err := e.Search(context.Background(), querybuilder.Generic("foo"), SearchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Len() != 2 {
		t.Errorf("Len: got %d", rs.Len())
	}
	if rs.Took() != 53 {
		t.Errorf("Took: got %d", rs.Took())
	}
	if got := rs.Hits()[0].BuildStatus(); got != "FAILURE" {
		t.Errorf("first hit status: got %q", got)
	}
	want := []TermCount{{Term: "console.html", Count: 5}, {Term: "syslog.txt", Count: 2}}
	if diff := cmp.Diff(want, rs.Terms()); diff != "" {
		t.Errorf("terms mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"console.html", "syslog.txt"}, rs.TermValues()); diff != "" {
		t.Errorf("term values mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyError(t *testing.T) {
	var transient *TransientBackendError
	var protocol *BackendProtocolError

	for _, tc := range []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"server error", &elastic.Error{Status: 503}, true},
		{"throttled", &elastic.Error{Status: 429}, true},
		{"bad request", &elastic.Error{Status: 400}, false},
		{"plain error", fmt.Errorf("broken pipe"), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyError(tc.err)
			if tc.wantTransient {
				if !errors.As(got, &transient) {
					t.Errorf("expected TransientBackendError, got %T: %v", got, got)
				}
			} else if !errors.As(got, &protocol) {
				t.Errorf("expected BackendProtocolError, got %T: %v", got, got)
			}
		})
	}
}
