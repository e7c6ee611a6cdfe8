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
	"encoding/json"
	"fmt"
	"time"

	"github.com/olivere/elastic/v7"
)

// TermCount is one facet bucket: a field value and how many hits
// carried it.
type TermCount struct {
	Term  string
	Count int64
}

// ResultSet is the container one search returns. It exposes the hit
// list, the backend timing fields and, for faceted queries, the terms
// buckets.
type ResultSet struct {
	hits     []*Hit
	total    int64
	took     int64
	timedOut bool
	terms    []TermCount
}

func newResultSet(res *elastic.SearchResult) (*ResultSet, error) {
	rs := &ResultSet{
		took:     res.TookInMillis,
		timedOut: res.TimedOut,
	}
	if res.Hits != nil {
		if res.Hits.TotalHits != nil {
			rs.total = res.Hits.TotalHits.Value
		}
		for _, h := range res.Hits.Hits {
			hit, err := newHit(h)
			if err != nil {
				return nil, err
			}
			rs.hits = append(rs.hits, hit)
		}
	}
	if agg, ok := res.Aggregations.Terms("tag"); ok {
		for _, b := range agg.Buckets {
			tc := TermCount{Count: b.DocCount}
			if b.KeyAsString != nil {
				tc.Term = *b.KeyAsString
			} else {
				tc.Term = fmt.Sprintf("%v", b.Key)
			}
			rs.terms = append(rs.terms, tc)
		}
	}
	return rs, nil
}

// NewResultSet assembles a ResultSet directly, for tests and offline
// tools that fabricate backend responses.
func NewResultSet(hits []*Hit, total int64, terms []TermCount) *ResultSet {
	return &ResultSet{hits: hits, total: total, terms: terms}
}

// Len is the backend's total hit count, which can exceed the number of
// returned hits when the query was size-limited.
func (r *ResultSet) Len() int { return int(r.total) }

// Hits returns the returned hits, newest first unless the query asked
// for a facet.
func (r *ResultSet) Hits() []*Hit { return r.hits }

// Took is the backend-reported search duration in milliseconds.
func (r *ResultSet) Took() int64 { return r.took }

// TimedOut reports whether the backend timed the search out.
func (r *ResultSet) TimedOut() bool { return r.timedOut }

// Terms returns the facet buckets, at most querybuilder.FacetSize of
// them, most frequent first. Empty for unfaceted queries.
func (r *ResultSet) Terms() []TermCount { return r.terms }

// TermValues returns just the bucket values.
func (r *ResultSet) TermValues() []string {
	vals := make([]string, 0, len(r.terms))
	for _, t := range r.terms {
		vals = append(vals, t.Term)
	}
	return vals
}

// Hit is one search hit with a flat field namespace. The backend
// indexed documents under three historical schemas; Field probes all
// of them so callers never care which era a document is from.
type Hit struct {
	index  string
	source map[string]interface{}
}

func newHit(h *elastic.SearchHit) (*Hit, error) {
	hit := &Hit{index: h.Index, source: map[string]interface{}{}}
	if h.Source != nil {
		if err := json.Unmarshal(h.Source, &hit.source); err != nil {
			return nil, fmt.Errorf("malformed hit source: %w", err)
		}
	}
	return hit, nil
}

// NewHitFromSource builds a Hit directly from a source document, for
// tests and offline tools.
func NewHitFromSource(index string, source map[string]interface{}) *Hit {
	return &Hit{index: index, source: source}
}

// Index is the name of the index the hit came from.
func (h *Hit) Index() string { return h.index }

// Source exposes the raw source document for offline analysis tools.
// Callers must treat it as read-only.
func (h *Hit) Source() map[string]interface{} { return h.source }

// Field looks name up under the three schema variants in fixed order:
// top-level, @-prefixed, then nested under fields/@fields. Arrays are
// collapsed to their first element; multiline processing stores single
// values as one-element lists.
func (h *Hit) Field(name string) interface{} {
	if v, ok := h.source[name]; ok {
		return collapse(v)
	}
	if v, ok := h.source["@"+name]; ok {
		return collapse(v)
	}
	for _, nested := range []string{"fields", "@fields"} {
		if m, ok := h.source[nested].(map[string]interface{}); ok {
			if v, ok := m[name]; ok {
				return collapse(v)
			}
		}
	}
	return nil
}

func collapse(v interface{}) interface{} {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

// StringField returns the field as a string, or "" when absent or not
// a string-ish value.
func (h *Hit) StringField(name string) string {
	switch v := h.Field(name).(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Typed accessors for the fields the rest of the system relies on.

func (h *Hit) BuildStatus() string { return h.StringField("build_status") }
func (h *Hit) BuildUUID() string   { return h.StringField("build_uuid") }
func (h *Hit) BuildName() string   { return h.StringField("build_name") }
func (h *Hit) BuildQueue() string  { return h.StringField("build_queue") }
func (h *Hit) LogURL() string      { return h.StringField("log_url") }
func (h *Hit) Project() string     { return h.StringField("project") }
func (h *Hit) Message() string     { return h.StringField("message") }
func (h *Hit) Filename() string    { return h.StringField("filename") }

var timestampLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339Nano,
	time.RFC3339,
}

// Timestamp parses the hit's @timestamp field.
func (h *Hit) Timestamp() (time.Time, error) {
	raw := h.StringField("timestamp")
	if raw == "" {
		return time.Time{}, fmt.Errorf("hit has no timestamp")
	}
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q: %w", raw, err)
}
