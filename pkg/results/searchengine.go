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

// Package results wraps the log-index backend so that searches return
// result sets with a flat field namespace instead of the backend's
// deeply nested response documents.
package results

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/logutil"
	"opendev.org/opendev/elastic-recheck/pkg/querybuilder"
)

// DefaultRequestTimeout bounds a single backend HTTP request.
const DefaultRequestTimeout = 60 * time.Second

// TransientBackendError is a backend transport failure. The readiness
// gate treats it as "not yet ready"; other callers log and skip.
type TransientBackendError struct {
	Err error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("transient backend error: %v", e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// BackendProtocolError is a malformed or error response from the
// backend. Handled the same way as TransientBackendError.
type BackendProtocolError struct {
	Err error
}

func (e *BackendProtocolError) Error() string {
	return fmt.Sprintf("backend protocol error: %v", e.Err)
}

func (e *BackendProtocolError) Unwrap() error { return e.Err }

// searcher is the raw backend call, split out so tests can fake the
// transport underneath SearchEngine.
type searcher interface {
	search(ctx context.Context, indices []string, body interface{}) (*elastic.SearchResult, error)
	indexExists(ctx context.Context, index string) (bool, error)
}

type elasticSearcher struct {
	client *elastic.Client
}

func (s *elasticSearcher) search(ctx context.Context, indices []string, body interface{}) (*elastic.SearchResult, error) {
	svc := s.client.Search(indices...).Source(body)
	if len(indices) > 0 {
		svc = svc.IgnoreUnavailable(true)
	}
	return svc.Do(ctx)
}

func (s *elasticSearcher) indexExists(ctx context.Context, index string) (bool, error) {
	return s.client.IndexExists(index).Do(ctx)
}

// SearchEngine is the typed wrapper over the log-index backend.
type SearchEngine struct {
	url         string
	indexFormat string
	log         *logrus.Entry

	backend searcher
	// now is stubbed in tests that poke at day boundaries.
	now func() time.Time
}

// NewSearchEngine builds a SearchEngine for the backend at url.
// indexFormat is the date-based index name layout, e.g.
// "logstash-2006.01.02".
func NewSearchEngine(url, indexFormat string, log *logrus.Entry) (*SearchEngine, error) {
	client, err := elastic.NewClient(
		elastic.SetURL(url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
		elastic.SetHttpClient(&http.Client{Timeout: DefaultRequestTimeout}),
		elastic.SetErrorLog(logutil.NewPrintfLogger(log, logrus.WarnLevel)),
	)
	if err != nil {
		return nil, err
	}
	return &SearchEngine{
		url:         url,
		indexFormat: indexFormat,
		log:         log,
		backend:     &elasticSearcher{client: client},
		now:         time.Now,
	}, nil
}

// SearchOptions modify one Search call.
type SearchOptions struct {
	// Size is the maximum number of hits to return. Faceted queries
	// can set this very low, it does not affect facet counts.
	Size int
	// Recent restricts the search to the indexes covering now and one
	// hour ago. Indexes that do not exist yet are silently omitted.
	Recent bool
	// Days restricts the search to the last N daily indexes. May be
	// fractional; it is rounded up to whole days.
	Days float64
}

// Search runs a query document against the backend and wraps the
// response. Results come back sorted by @timestamp descending unless
// the document asked for a facet.
func (e *SearchEngine) Search(ctx context.Context, query querybuilder.Doc, opts SearchOptions) (*ResultSet, error) {
	var indices []string
	switch {
	case opts.Recent:
		recent, err := e.recentIndexes(ctx)
		if err != nil {
			return nil, err
		}
		if len(recent) == 0 {
			// Nothing indexed for the last hour at all.
			return &ResultSet{}, nil
		}
		indices = recent
	case opts.Days > 0:
		indices = e.dailyIndexes(opts.Days)
	}

	body := make(map[string]interface{}, len(query)+1)
	for k, v := range query {
		body[k] = v
	}
	if opts.Size > 0 {
		body["size"] = opts.Size
	}

	res, err := e.backend.search(ctx, indices, body)
	if err != nil {
		return nil, classifyError(err)
	}
	rs, err := newResultSet(res)
	if err != nil {
		return nil, &BackendProtocolError{Err: err}
	}
	return rs, nil
}

// recentIndexes returns the existing indexes covering now and one hour
// ago. Around midnight that is both today's and yesterday's index.
func (e *SearchEngine) recentIndexes(ctx context.Context) ([]string, error) {
	now := e.now().UTC()
	candidates := []string{now.Format(e.indexFormat)}
	if prev := now.Add(-time.Hour).Format(e.indexFormat); prev != candidates[0] {
		candidates = append(candidates, prev)
	}
	var indices []string
	for _, idx := range candidates {
		ok, err := e.backend.indexExists(ctx, idx)
		if err != nil {
			return nil, classifyError(err)
		}
		if ok {
			indices = append(indices, idx)
		}
	}
	return indices, nil
}

func (e *SearchEngine) dailyIndexes(days float64) []string {
	now := e.now().UTC()
	n := int(math.Ceil(days))
	indices := make([]string, 0, n+1)
	seen := map[string]bool{}
	for i := 0; i <= n; i++ {
		idx := now.AddDate(0, 0, -i).Format(e.indexFormat)
		if !seen[idx] {
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	return indices
}

func classifyError(err error) error {
	if elastic.IsConnErr(err) || elastic.IsTimeout(err) {
		return &TransientBackendError{Err: err}
	}
	var ee *elastic.Error
	if errors.As(err, &ee) {
		if ee.Status >= 500 || ee.Status == http.StatusTooManyRequests {
			// The index cluster goes bonkers on cold data some times,
			// retrying usually clears it.
			return &TransientBackendError{Err: err}
		}
		return &BackendProtocolError{Err: err}
	}
	return &TransientBackendError{Err: err}
}
