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

// Package gerrit consumes the review-event feed, distilling the raw
// stream into failure events, and posts review comments back.
package gerrit

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// failureMarker is the literal the CI account puts into every gating
// failure comment.
const failureMarker = "Build failed.  For information on how to proceed"

// failureLineRe picks per-job failure lines out of a CI comment.
var failureLineRe = regexp.MustCompile(`- ([\w-]+)\s*(https?://\S+)\s*:\s*FAILURE`)

// Number tolerates both the string and integer encodings gerrit has
// used for change and patchset numbers over the years.
type Number int

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = Number(v)
	return nil
}

// Event is one raw record off the gerrit event stream. Only the fields
// the filter needs are decoded.
type Event struct {
	Type   string `json:"type"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	Comment string `json:"comment"`
	Change  struct {
		Number  Number `json:"number"`
		Project string `json:"project"`
		URL     string `json:"url"`
	} `json:"change"`
	PatchSet struct {
		Number Number `json:"number"`
	} `json:"patchSet"`
}

// FailJob is a single failed zuul job within an event.
type FailJob struct {
	Name string
	URL  string
	// BuildShortUUID is the last 7 characters of the job URL, the
	// first 7 digits of the build uuid.
	BuildShortUUID string
	// Bugs is filled in by the classifier; append-only for the
	// lifetime of the event.
	Bugs []string
}

// NewFailJob builds a FailJob from a comment line match.
func NewFailJob(name, url string) *FailJob {
	j := &FailJob{Name: name, URL: url}
	if len(url) >= 7 {
		j.BuildShortUUID = url[len(url)-7:]
	}
	return j
}

// FailEvent is one gate/check failure on one review, carrying at least
// one failed job. Empty events are discarded upstream.
type FailEvent struct {
	Change  int
	Rev     int
	Project string
	URL     string
	Comment string

	FailedJobs []*FailJob
}

// NewFailEvent pairs a raw event with its parsed failed jobs.
func NewFailEvent(ev *Event, jobs []*FailJob) *FailEvent {
	return &FailEvent{
		Change:     int(ev.Change.Number),
		Rev:        int(ev.PatchSet.Number),
		Project:    ev.Change.Project,
		URL:        ev.Change.URL,
		Comment:    ev.Comment,
		FailedJobs: jobs,
	}
}

// Name identifies the change and revision the way gerrit's review API
// wants it: "change,rev".
func (e *FailEvent) Name() string {
	return fmt.Sprintf("%d,%d", e.Change, e.Rev)
}

// Queue returns the zuul pipeline the failure happened in, derived
// from the job log URL. One event is always a single queue.
func (e *FailEvent) Queue() string {
	if len(e.FailedJobs) == 0 {
		return ""
	}
	parts := strings.Split(e.FailedJobs[0].URL, "/")
	if len(parts) < 7 {
		return ""
	}
	return parts[6]
}

// FailedJobNames lists the job names in event order.
func (e *FailEvent) FailedJobNames() []string {
	names := make([]string, 0, len(e.FailedJobs))
	for _, j := range e.FailedJobs {
		names = append(names, j.Name)
	}
	return names
}

// BuildShortUUIDs lists the short build uuids in event order.
func (e *FailEvent) BuildShortUUIDs() []string {
	uuids := make([]string, 0, len(e.FailedJobs))
	for _, j := range e.FailedJobs {
		uuids = append(uuids, j.BuildShortUUID)
	}
	return uuids
}

// AllBugs is the union of the per-job bug sets, sorted.
func (e *FailEvent) AllBugs() []string {
	set := map[string]bool{}
	for _, j := range e.FailedJobs {
		for _, b := range j.Bugs {
			set[b] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	bugs := make([]string, 0, len(set))
	for b := range set {
		bugs = append(bugs, b)
	}
	sort.Strings(bugs)
	return bugs
}

// IsFullyClassified reports whether every failed job matched at least
// one bug. Events with no bugs at all count as unclassified.
func (e *FailEvent) IsFullyClassified() bool {
	if len(e.AllBugs()) == 0 {
		return false
	}
	for _, j := range e.FailedJobs {
		if len(j.Bugs) == 0 {
			return false
		}
	}
	return true
}

// BugURLs renders tracker URLs for the given bugs.
func BugURLs(bugs []string) []string {
	urls := make([]string, 0, len(bugs))
	for _, b := range bugs {
		urls = append(urls, "https://bugs.launchpad.net/bugs/"+b)
	}
	return urls
}

// BugURLsMap produces one "job: bug urls" line per failed job, with
// "unrecognized error" standing in for jobs that matched nothing.
// Returns nil when the event has no bugs at all.
func (e *FailEvent) BugURLsMap() []string {
	if len(e.AllBugs()) == 0 {
		return nil
	}
	lines := make([]string, 0, len(e.FailedJobs))
	for _, j := range e.FailedJobs {
		if len(j.Bugs) == 0 {
			lines = append(lines, fmt.Sprintf("%s: unrecognized error", j.Name))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", j.Name, strings.Join(BugURLs(j.Bugs), " ")))
		}
	}
	return lines
}

// ParseFailure applies the CI failure filter to a raw event and
// returns the failed jobs it mentions, or nil when the event is not a
// CI failure comment. Non-voting lines are always skipped; suppressRe,
// when non-nil, additionally drops jobs by name (the legacy unit-test
// suppression).
func ParseFailure(ev *Event, ciUsername string, suppressRe *regexp.Regexp) []*FailJob {
	if ev.Type != "comment-added" {
		return nil
	}
	if ev.Author.Username != ciUsername {
		return nil
	}
	if !strings.Contains(ev.Comment, failureMarker) {
		return nil
	}

	var jobs []*FailJob
	for _, line := range strings.Split(ev.Comment, "\n") {
		if strings.Contains(line, " (non-voting)") {
			continue
		}
		m := failureLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if suppressRe != nil && suppressRe.MatchString(m[1]) {
			continue
		}
		jobs = append(jobs, NewFailJob(m[1], m[2]))
	}
	return jobs
}

// ParseEvent decodes one raw stream-events line.
func ParseEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("undecodable event: %w", err)
	}
	return &ev, nil
}
