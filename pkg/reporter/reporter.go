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

// Package reporter turns a classified failure event into a review
// comment and chat-channel messages, subject to per-channel
// subscription rules.
package reporter

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/config"
	"opendev.org/opendev/elastic-recheck/pkg/gerrit"
)

// ChatBot is the thread-safe entry point of the chat transport.
type ChatBot interface {
	Send(channel, msg string)
}

// ReviewPoster posts a comment on a review.
type ReviewPoster interface {
	Review(project, name, message string) error
}

// BugTracker resolves which projects a bug targets.
type BugTracker interface {
	BugProjects(ctx context.Context, bug string) ([]string, error)
}

// ChannelConfigSource serves the current channel config.
type ChannelConfigSource interface {
	Config() *config.ChannelConfig
}

var (
	reviewComments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elastic_recheck_review_comments_total",
		Help: "Review comments posted.",
	})
	chatMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elastic_recheck_chat_messages_total",
		Help: "Chat messages handed to the transport.",
	})
)

func init() {
	prometheus.MustRegister(reviewComments, chatMessages)
}

// Default message templates; any of them can be overridden through the
// messages block of the channel config.
const (
	defaultFoundBug = `I noticed jenkins failed, I think you hit bug(s):

- {{.BugList}}
`
	defaultRecheckInstructions = `
We don't automatically recheck or reverify, so please consider
doing that manually if someone hasn't already. For a code review
which is not yet approved, you can recheck by leaving a code
review comment with just the text:

    recheck bug {{.Bug}}`
	defaultUnrecognized = `
You have some unrecognized errors.`
	defaultFooter = `
For bug details see: http://status.openstack.org/elastic-recheck/`
	defaultNoBugs = `I noticed jenkins failed, refer to: ` +
		`https://wiki.openstack.org/wiki/GerritJenkinsGithub#Test_Failures`
	defaultErrorFound = `{{.Project}} change: {{.URL}} failed because of: {{.Bugs}}`
	defaultNewError   = `{{.Project}} change: {{.URL}} failed {{.Jobs}} in the {{.Queue}} queue with an unrecognized error`
)

// Reporter dispatches classification results. Either sink may be
// disabled: bot is nil under --noirc, commenting false under
// --nocomment.
type Reporter struct {
	bot        ChatBot
	review     ReviewPoster
	channels   ChannelConfigSource
	lp         BugTracker
	commenting bool
	// reportCheckQueue also sends check-queue failures to chat;
	// by default they are considered spam and suppressed.
	reportCheckQueue bool
	log              *logrus.Entry
}

// New wires a Reporter.
func New(bot ChatBot, review ReviewPoster, channels ChannelConfigSource, lp BugTracker,
	commenting, reportCheckQueue bool, log *logrus.Entry) *Reporter {
	return &Reporter{
		bot:              bot,
		review:           review,
		channels:         channels,
		lp:               lp,
		commenting:       commenting,
		reportCheckQueue: reportCheckQueue,
		log:              log,
	}
}

type messageData struct {
	Project string
	URL     string
	Queue   string
	Jobs    string
	Bugs    string
	Bug     string
	BugList string
}

func (r *Reporter) eventData(event *gerrit.FailEvent) messageData {
	d := messageData{
		Project: event.Project,
		URL:     event.URL,
		Queue:   event.Queue(),
		Jobs:    strings.Join(event.FailedJobNames(), ", "),
	}
	if bugs := event.AllBugs(); len(bugs) > 0 {
		d.Bug = bugs[0]
		d.Bugs = strings.Join(event.BugURLsMap(), ", ")
		d.BugList = strings.Join(event.BugURLsMap(), "\n- ")
	}
	return d
}

func (r *Reporter) render(name, def string, data messageData) string {
	text := r.channels.Config().Message(name, def)
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		r.log.WithError(err).WithField("message", name).Error("Broken message template, using default.")
		tmpl = template.Must(template.New(name).Parse(def))
	}
	var b bytes.Buffer
	if err := tmpl.Execute(&b, data); err != nil {
		r.log.WithError(err).WithField("message", name).Error("Failed to execute message template.")
		return def
	}
	return b.String()
}

// Dispatch sends the per-channel messages for one classified event.
// Check-queue failures are suppressed unless configured otherwise, and
// each channel receives at most one message per event.
func (r *Reporter) Dispatch(ctx context.Context, event *gerrit.FailEvent) {
	cfg := r.channels.Config()
	if event.Queue() != "gate" && !r.reportCheckQueue {
		// Other queues are just spam.
		return
	}
	bugs := event.AllBugs()
	for _, channel := range cfg.Channels {
		if len(bugs) > 0 {
			if !cfg.Subscribed(config.EventPositive, channel) {
				continue
			}
			if r.display(ctx, cfg, channel, bugs) {
				r.send(channel, r.render("error_found", defaultErrorFound, r.eventData(event)))
			} else {
				r.log.WithFields(logrus.Fields{"channel": channel, "change": event.URL}).
					Info("Not messaging channel, bugs do not target an interesting project.")
			}
		} else if cfg.Subscribed(config.EventNegative, channel) {
			r.send(channel, r.render("new_error", defaultNewError, r.eventData(event)))
		}
	}
}

// DispatchMessage sends a free-form notice, e.g. a readiness timeout,
// to every channel subscribed to negative events.
func (r *Reporter) DispatchMessage(ctx context.Context, msg string) {
	cfg := r.channels.Config()
	for _, channel := range cfg.Channels {
		if cfg.Subscribed(config.EventNegative, channel) {
			r.send(channel, msg)
		}
	}
}

// display reports whether channel is interested in at least one of the
// projects the bugs target, or sits in the all-projects bucket.
func (r *Reporter) display(ctx context.Context, cfg *config.ChannelConfig, channel string, bugs []string) bool {
	if cfg.Projects[config.ProjectAll][channel] {
		return true
	}
	if r.lp == nil {
		return false
	}
	for _, bug := range bugs {
		projects, err := r.lp.BugProjects(ctx, bug)
		if err != nil {
			r.log.WithError(err).WithField("bug", bug).Warning("Bug project lookup failed.")
			continue
		}
		for _, p := range projects {
			if cfg.InterestedIn(p, channel) {
				return true
			}
		}
	}
	return false
}

func (r *Reporter) send(channel, msg string) {
	r.log.WithFields(logrus.Fields{"channel": channel, "msg": msg}).Info("Compiled message.")
	if r.bot == nil {
		return
	}
	chatMessages.Inc()
	r.bot.Send(channel, msg)
}

// LeaveComment posts the classification result on the review. With
// commenting disabled the comment is compiled and logged but never
// posted.
func (r *Reporter) LeaveComment(ctx context.Context, event *gerrit.FailEvent) error {
	data := r.eventData(event)
	var b strings.Builder
	if len(event.AllBugs()) > 0 {
		b.WriteString(r.render("found_bug", defaultFoundBug, data))
		if event.IsFullyClassified() {
			b.WriteString(r.render("recheck_instructions", defaultRecheckInstructions, data))
		} else {
			b.WriteString(r.render("unrecognized", defaultUnrecognized, data))
		}
		b.WriteString(r.render("footer", defaultFooter, data))
	} else {
		b.WriteString(r.render("no_bugs_found", defaultNoBugs, data))
	}
	message := b.String()

	r.log.WithField("change", event.Name()).Debugf("Compiled comment:\n%s", message)
	if !r.commenting {
		return nil
	}
	if err := r.review.Review(event.Project, event.Name(), message); err != nil {
		return err
	}
	reviewComments.Inc()
	return nil
}
