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
	"time"
)

// DefaultTimestampResolution is the bucket size timestamps are floored
// to when faceting on a time field.
const DefaultTimestampResolution = time.Hour

// FacetNode is a recursive bucket tree over a set of hits: either an
// internal node keyed by field value, or a leaf holding the hits that
// fell into the bucket.
type FacetNode struct {
	// Children is nil at leaves.
	Children map[string]*FacetNode
	// Hits is populated only at leaves.
	Hits []*Hit
}

// IsLeaf reports whether the node holds hits rather than sub-buckets.
func (n *FacetNode) IsLeaf() bool { return n.Children == nil }

// DetectFacets partitions hits into nested buckets, one level per
// field, in order. Timestamp fields bucket by flooring to resolution
// (DefaultTimestampResolution when zero); other fields bucket by exact
// value. Hits lacking a field are dropped from that level.
func DetectFacets(hits []*Hit, fields []string, resolution time.Duration) *FacetNode {
	if resolution <= 0 {
		resolution = DefaultTimestampResolution
	}
	if len(fields) == 0 {
		return &FacetNode{Hits: hits}
	}

	field := fields[0]
	node := &FacetNode{Children: map[string]*FacetNode{}}
	buckets := map[string][]*Hit{}
	for _, h := range hits {
		key, ok := facetKey(h, field, resolution)
		if !ok {
			continue
		}
		buckets[key] = append(buckets[key], h)
	}
	for key, bucket := range buckets {
		node.Children[key] = DetectFacets(bucket, fields[1:], resolution)
	}
	return node
}

func facetKey(h *Hit, field string, resolution time.Duration) (string, bool) {
	if field == "timestamp" || field == "@timestamp" {
		t, err := h.Timestamp()
		if err != nil {
			return "", false
		}
		return t.Truncate(resolution).Format(time.RFC3339), true
	}
	v := h.StringField(field)
	if v == "" {
		return "", false
	}
	return v, true
}
