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

// Package query loads the bug query catalog: one YAML file per tracked
// bug, the file name supplying the bug id.
package query

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"sigs.k8s.io/yaml"

	"opendev.org/opendev/elastic-recheck/pkg/config"
)

// Query is one catalog entry.
type Query struct {
	// Bug is the tracker id, derived from the file name.
	Bug string
	// Query is the effective search string. Unless AllowNonVoting is
	// set it has been augmented with a voting:1 clause.
	Query string
	// AllowNonVoting keeps hits from non-voting jobs.
	AllowNonVoting bool
	// SuppressGraph hides the bug from the offline graphs.
	SuppressGraph bool
	// SuppressNotification drops the entry from online classification
	// entirely; the query stays in the catalog for offline reporting.
	SuppressNotification bool
	// TestIDs, when non-empty, requires at least one of the listed
	// test ids to have failed in the referenced build before the bug
	// is recorded.
	TestIDs []string
}

type queryFile struct {
	Query                string `json:"query"`
	AllowNonVoting       bool   `json:"allow-nonvoting"`
	SuppressGraph        bool   `json:"suppress-graph"`
	SuppressNotification bool   `json:"suppress-notification"`
	Filters              struct {
		TestIDs []string `json:"test_ids"`
	} `json:"filters"`
}

// Load reads every *.yaml file in dir and returns the catalog sorted by
// bug id. It is idempotent and side-effect free; callers may invoke it
// per classification.
func Load(dir string) ([]Query, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	sort.Strings(files)

	var queries []Query
	for _, fname := range files {
		data, err := os.ReadFile(fname)
		if err != nil {
			return nil, err
		}
		var qf queryFile
		if err := yaml.Unmarshal(data, &qf); err != nil {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("unable to parse query file %s", fname), Err: err}
		}
		q := Query{
			Bug:                  strings.TrimSuffix(filepath.Base(fname), ".yaml"),
			Query:                qf.Query,
			AllowNonVoting:       qf.AllowNonVoting,
			SuppressGraph:        qf.SuppressGraph,
			SuppressNotification: qf.SuppressNotification,
			TestIDs:              qf.Filters.TestIDs,
		}
		if !q.AllowNonVoting {
			q.Query = strings.TrimRight(q.Query, " \t\r\n") + " AND voting:1"
		}
		queries = append(queries, q)
	}
	return queries, nil
}

// Loader caches a catalog and only re-reads the directory when a file
// has been added, removed or touched. Classification wants a fresh
// catalog per call; the mtime gate keeps that cheap.
type Loader struct {
	Dir string

	mu     sync.Mutex
	count  int
	newest time.Time
	cached []Query
}

// NewLoader returns a Loader for dir.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir}
}

// Load returns the current catalog, reloading from disk when the
// directory contents changed since the last call.
func (l *Loader) Load() ([]Query, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, newest, err := l.fingerprint()
	if err != nil {
		return nil, err
	}
	if l.cached != nil && count == l.count && newest.Equal(l.newest) {
		return l.cached, nil
	}
	queries, err := Load(l.Dir)
	if err != nil {
		return nil, err
	}
	l.cached = queries
	l.count = count
	l.newest = newest
	return queries, nil
}

func (l *Loader) fingerprint() (int, time.Time, error) {
	files, err := filepath.Glob(filepath.Join(l.Dir, "*.yaml"))
	if err != nil {
		return 0, time.Time{}, err
	}
	var newest time.Time
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return 0, time.Time{}, err
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return len(files), newest, nil
}
