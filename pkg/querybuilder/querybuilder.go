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

// Package querybuilder produces the search documents elastic-recheck
// sends to the log index.
//
// A raw query string is typically the same content an operator typed
// into the logstash UI to get to a unique signature; the builders here
// wrap it with sorting, per-patch scoping and facet aggregations.
package querybuilder

import (
	"fmt"
)

// Doc is a backend search document, serialized as-is.
type Doc map[string]interface{}

// FacetSize caps how many distinct values a terms facet returns.
const FacetSize = 200

// Generic wraps a raw query string with a timestamp-descending sort and
// optionally attaches a terms facet. Multiple facet fields nest, one
// sub-aggregation per level.
func Generic(rawQuery string, facets ...string) Doc {
	doc := Doc{
		"sort": map[string]interface{}{
			"@timestamp": map[string]interface{}{"order": "desc"},
		},
		"query": map[string]interface{}{
			"query_string": map[string]interface{}{
				"query": rawQuery,
			},
		},
	}
	if len(facets) > 0 {
		doc["aggs"] = facetAggs(facets)
	}
	return doc
}

func facetAggs(fields []string) map[string]interface{} {
	agg := map[string]interface{}{
		"terms": map[string]interface{}{
			"field": fields[0],
			"size":  FacetSize,
		},
	}
	if len(fields) > 1 {
		agg["aggs"] = facetAggs(fields[1:])
	}
	return map[string]interface{}{"tag": agg}
}

// SinglePatch conjoins a raw query with the change, patchset and build
// uuid of one failed build, narrowing a known signature down to a
// particular patch iteration.
func SinglePatch(query string, review, patch int, buildShortUUID string) Doc {
	return Generic(fmt.Sprintf(
		`%s AND build_change:"%d" AND build_patchset:"%d" AND build_uuid:%s*`,
		query, review, patch, buildShortUUID))
}

// ResultReady matches the console-log completion marker for one build.
// A hit means the console log landed in the index and results are
// waiting to be processed.
func ResultReady(review, patch int, name, buildShortUUID string) Doc {
	return Generic(fmt.Sprintf(
		`filename:"console.html" AND message:"[SCP] Copying console log" `+
			`AND build_status:"FAILURE" `+
			`AND build_change:"%d" `+
			`AND build_patchset:"%d" `+
			`AND build_name:"%s" `+
			`AND build_uuid:%s*`,
		review, patch, name, buildShortUUID))
}

// FilesReady is the ResultReady scope without the console restriction,
// faceted on filename: the returned terms are the set of log files
// indexed so far for the build.
func FilesReady(review, patch int, name, buildShortUUID string) Doc {
	return Generic(fmt.Sprintf(
		`build_status:"FAILURE" `+
			`AND build_change:"%d" `+
			`AND build_patchset:"%d" `+
			`AND build_name:"%s" `+
			`AND build_uuid:%s*`,
		review, patch, name, buildShortUUID),
		"filename")
}
