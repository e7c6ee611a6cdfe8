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

// The elastic-recheck daemon watches the gerrit event stream for CI
// failures, classifies them against the bug query catalog and reports
// the result to IRC channels and back onto the review.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"opendev.org/opendev/elastic-recheck/pkg/config"
	"opendev.org/opendev/elastic-recheck/pkg/gerrit"
	"opendev.org/opendev/elastic-recheck/pkg/ircbot"
	"opendev.org/opendev/elastic-recheck/pkg/launchpad"
	"opendev.org/opendev/elastic-recheck/pkg/logutil"
	"opendev.org/opendev/elastic-recheck/pkg/recheck"
	"opendev.org/opendev/elastic-recheck/pkg/reporter"
	"opendev.org/opendev/elastic-recheck/pkg/results"
	"opendev.org/opendev/elastic-recheck/pkg/subunit2sql"
)

type options struct {
	foreground bool
	nocomment  bool
	noirc      bool
	configFile string
}

func gatherOptions(fs *flag.FlagSet, args ...string) (options, error) {
	var o options
	fs.BoolVar(&o.foreground, "f", false, "Run in foreground (accepted for compatibility; supervision is external)")
	fs.BoolVar(&o.foreground, "foreground", false, "Run in foreground (accepted for compatibility; supervision is external)")
	fs.BoolVar(&o.nocomment, "n", false, "Don't comment in gerrit. Useful in testing.")
	fs.BoolVar(&o.nocomment, "nocomment", false, "Don't comment in gerrit. Useful in testing.")
	fs.BoolVar(&o.noirc, "noirc", false, "Don't comment in irc. Useful in testing.")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		return o, fmt.Errorf("expected exactly one config file argument, got %d", fs.NArg())
	}
	o.configFile = fs.Arg(0)
	return o, nil
}

func main() {
	logutil.ComponentInit("elastic-recheck")
	log := logrus.NewEntry(logrus.StandardLogger())

	o, err := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading config.")
	}
	if cfg.IRCBot.ChannelConfig == "" {
		logrus.Fatal("Channel config must be specified in config file.")
	}

	channels, err := config.NewChannelConfigAgent(cfg.IRCBot.ChannelConfig, log.WithField("client", "channelconfig"))
	if err != nil {
		logrus.WithError(err).Fatal("Error loading channel config.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := channels.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Error watching channel config.")
	}

	engine, err := results.NewSearchEngine(cfg.DataSource.ESURL, cfg.DataSource.IndexFormat, log.WithField("client", "elasticsearch"))
	if err != nil {
		logrus.WithError(err).Fatal("Error building search engine.")
	}

	stream, err := gerrit.NewStream(cfg.EventSource, cfg.RecheckWatch, log.WithField("client", "gerritstream"))
	if err != nil {
		logrus.WithError(err).Fatal("Error building gerrit stream.")
	}

	var review reporter.ReviewPoster
	if !o.nocomment {
		rc, err := gerrit.NewReviewClient(cfg.EventSource, log.WithField("client", "gerritreview"))
		if err != nil {
			logrus.WithError(err).Fatal("Error building gerrit review client.")
		}
		review = rc
	}

	var testDB recheck.TestFailures
	if cfg.DataSource.DBURI != "" {
		db, err := subunit2sql.Open(cfg.DataSource.DBURI)
		if err != nil {
			logrus.WithError(err).Fatal("Error opening subunit2sql database.")
		}
		defer db.Close()
		testDB = db
	}

	var chat reporter.ChatBot
	if !o.noirc {
		bot := ircbot.New(cfg.IRCBot, channels.Config().Channels, log.WithField("client", "ircbot"))
		go func() {
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("IRC bot exited.")
			}
		}()
		chat = bot
	}

	if port := cfg.RecheckWatch.MetricsPort; port > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
				logrus.WithError(err).Error("Metrics listener failed.")
			}
		}()
	}

	rep := reporter.New(chat, review, channels, launchpad.New(log.WithField("client", "launchpad")),
		!o.nocomment, cfg.RecheckWatch.ReportCheckQueue, log.WithField("component", "reporter"))

	gate := recheck.NewGate(engine, cfg.RecheckWatch, log.WithField("component", "gate"))
	classifier := recheck.NewClassifier(cfg.EventSource.QueryFile, engine, testDB, log.WithField("component", "classifier"))
	watch := recheck.NewWatch(stream, gate, classifier, rep, log.WithField("component", "watch"))

	log.Info("Starting recheck watch.")
	if err := watch.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Watch loop failed.")
	}
	log.Info("Shutting down.")
}
