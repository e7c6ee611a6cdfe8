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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "elastic_recheck_events_total",
		Help: "Failure events processed, by outcome.",
	}, []string{"outcome"})
	bugMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "elastic_recheck_bug_matches_total",
		Help: "Catalog hits recorded against failed jobs.",
	}, []string{"bug"})
	queryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elastic_recheck_query_errors_total",
		Help: "Catalog entries skipped because their query failed.",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, bugMatches, queryErrors)
}
