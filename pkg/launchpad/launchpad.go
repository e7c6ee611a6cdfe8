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

// Package launchpad is a minimal anonymous client for the bug tracker:
// just enough to find out which projects a bug targets, which is all
// the channel project filter needs.
package launchpad

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAPIBase is the production API root.
	DefaultAPIBase = "https://api.launchpad.net/1.0"

	requestTimeout = 60 * time.Second
	cacheSize      = 512
)

// Client looks up bug metadata, caching results in a bounded LRU. Bug
// target projects essentially never change over the lifetime of a
// process, so entries are never invalidated.
type Client struct {
	base  string
	http  *http.Client
	cache *lru.Cache[string, []string]
	log   *logrus.Entry
}

// New returns a Client against DefaultAPIBase.
func New(log *logrus.Entry) *Client {
	return NewWithBase(DefaultAPIBase, log)
}

// NewWithBase returns a Client against an alternate API root, for
// tests.
func NewWithBase(base string, log *logrus.Entry) *Client {
	cache, _ := lru.New[string, []string](cacheSize)
	return &Client{
		base:  base,
		http:  &http.Client{Timeout: requestTimeout},
		cache: cache,
		log:   log,
	}
}

type bugTasksPage struct {
	Entries []struct {
		BugTargetName string `json:"bug_target_name"`
	} `json:"entries"`
}

// BugProjects returns the projects the bug targets, one per bug task.
func (c *Client) BugProjects(ctx context.Context, bug string) ([]string, error) {
	if projects, ok := c.cache.Get(bug); ok {
		return projects, nil
	}

	url := fmt.Sprintf("%s/bugs/%s/bug_tasks", c.base, bug)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching bug %s: %w", bug, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching bug %s: unexpected status %s", bug, resp.Status)
	}

	var page bugTasksPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding bug %s: %w", bug, err)
	}
	projects := make([]string, 0, len(page.Entries))
	for _, e := range page.Entries {
		projects = append(projects, e.BugTargetName)
	}

	c.cache.Add(bug, projects)
	return projects, nil
}
