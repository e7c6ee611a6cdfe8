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

	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/query"
	"opendev.org/opendev/elastic-recheck/pkg/querybuilder"
	"opendev.org/opendev/elastic-recheck/pkg/results"
)

// TestFailures looks up which tests failed in a build, for catalog
// entries that additionally filter on test ids. Implemented by the
// subunit2sql package; nil disables the filter.
type TestFailures interface {
	FailingTestIDs(ctx context.Context, buildShortUUID string) ([]string, error)
}

// Classifier matches one failed build against the bug catalog.
type Classifier struct {
	loader *query.Loader
	es     searchEngine
	db     TestFailures
	log    *logrus.Entry
}

// NewClassifier builds a Classifier over the catalog directory. db may
// be nil, in which case entries carrying test-id filters never match.
func NewClassifier(queriesDir string, es *results.SearchEngine, db TestFailures, log *logrus.Entry) *Classifier {
	return &Classifier{
		loader: query.NewLoader(queriesDir),
		es:     es,
		db:     db,
		log:    log,
	}
}

// Queries returns the current catalog, for offline tooling.
func (c *Classifier) Queries() ([]query.Query, error) {
	return c.loader.Load()
}

// Classify returns the bug ids whose queries match the given build, in
// catalog order. The catalog is reloaded per call so new queries take
// effect without a restart. A failing catalog entry is logged and
// skipped; only a catalog load failure aborts.
func (c *Classifier) Classify(ctx context.Context, change, patch int, buildShortUUID string, recent bool) ([]string, error) {
	queries, err := c.loader.Load()
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, q := range queries {
		if q.SuppressNotification {
			continue
		}
		log := c.log.WithField("bug", q.Bug)
		log.Debug("Looking for bug.")
		doc := querybuilder.SinglePatch(q.Query, change, patch, buildShortUUID)
		rs, err := c.es.Search(ctx, doc, results.SearchOptions{Size: 10, Recent: recent})
		if err != nil {
			if ctx.Err() != nil {
				return matches, ctx.Err()
			}
			queryErrors.Inc()
			log.WithError(err).Warning("Query failed, skipping entry.")
			continue
		}
		if rs.Len() == 0 {
			continue
		}
		if len(q.TestIDs) > 0 {
			ok, err := c.testIDsFailed(ctx, buildShortUUID, q.TestIDs)
			if err != nil {
				queryErrors.Inc()
				log.WithError(err).Warning("Test-id lookup failed, skipping entry.")
				continue
			}
			if !ok {
				log.Debug("Hits found but none of the filtered test ids failed.")
				continue
			}
		}
		matches = append(matches, q.Bug)
	}
	return matches, nil
}

func (c *Classifier) testIDsFailed(ctx context.Context, buildShortUUID string, testIDs []string) (bool, error) {
	if c.db == nil {
		return false, nil
	}
	failed, err := c.db.FailingTestIDs(ctx, buildShortUUID)
	if err != nil {
		return false, err
	}
	failedSet := map[string]bool{}
	for _, id := range failed {
		failedSet[id] = true
	}
	for _, id := range testIDs {
		if failedSet[id] {
			return true, nil
		}
	}
	return false, nil
}

// HitsByQuery runs a raw catalog query as-is, optionally faceted, for
// the offline tools.
func (c *Classifier) HitsByQuery(ctx context.Context, raw string, opts results.SearchOptions, facets ...string) (*results.ResultSet, error) {
	return c.es.Search(ctx, querybuilder.Generic(raw, facets...), opts)
}
