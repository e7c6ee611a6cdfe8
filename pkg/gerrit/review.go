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

package gerrit

import (
	"fmt"
	"net/url"
	"strings"

	gogerrit "github.com/andygrunwald/go-gerrit"
	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/config"
)

// changeReviewer is the one REST operation the reporter needs.
type changeReviewer interface {
	SetReview(changeID, revisionID string, input *gogerrit.ReviewInput) (*gogerrit.ReviewResult, *gogerrit.Response, error)
}

// ReviewClient posts review comments over the gerrit REST API.
type ReviewClient struct {
	changes changeReviewer
	log     *logrus.Entry
}

// NewReviewClient builds a ReviewClient from the event-source config.
// The stream uses SSH; comments go back over REST with the account's
// HTTP password.
func NewReviewClient(es config.EventSource, log *logrus.Entry) (*ReviewClient, error) {
	gc, err := gogerrit.NewClient(es.URL, nil)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unable to build gerrit client for %s", es.URL), Err: err}
	}
	if es.User != "" && es.HTTPPassword != "" {
		gc.Authentication.SetBasicAuth(es.User, es.HTTPPassword)
	}
	return &ReviewClient{changes: gc.Changes, log: log}, nil
}

// Review leaves message as a comment on the given change revision.
// name is the "change,rev" pair from FailEvent.Name.
func (c *ReviewClient) Review(project, name, message string) error {
	parts := strings.SplitN(name, ",", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed change name %q", name)
	}
	changeID := fmt.Sprintf("%s~%s", url.PathEscape(project), parts[0])
	_, _, err := c.changes.SetReview(changeID, parts[1], &gogerrit.ReviewInput{Message: message})
	if err != nil {
		return fmt.Errorf("posting review on %s %s: %w", project, name, err)
	}
	c.log.WithFields(logrus.Fields{"project": project, "change": name}).Info("Left review comment.")
	return nil
}
