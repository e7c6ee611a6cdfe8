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

// elastic-recheck-query runs a single bug query file against the log
// index and prints an attribute breakdown of the hits, for developing
// and tuning queries offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"opendev.org/opendev/elastic-recheck/pkg/config"
	"opendev.org/opendev/elastic-recheck/pkg/logutil"
	"opendev.org/opendev/elastic-recheck/pkg/querybuilder"
	"opendev.org/opendev/elastic-recheck/pkg/results"
)

const (
	defaultDays     = 10
	defaultQuantity = 5
	// The hit window over which attributes are analyzed.
	analysisSize = 1000
)

// Attributes that rarely say anything useful about a query; shown only
// with --verbose.
var ignoredAttributes = map[string]bool{
	"build_master":     true,
	"build_patchset":   true,
	"build_ref":        true,
	"build_short_uuid": true,
	"build_uuid":       true,
	"error_pr":         true,
	"host":             true,
	"received_at":      true,
	"type":             true,
}

type options struct {
	quantity  int
	days      float64
	verbose   bool
	confFile  string
	queryFile string
}

func gatherOptions(fs *flag.FlagSet, args ...string) (options, error) {
	var o options
	fs.IntVar(&o.quantity, "q", defaultQuantity, "Maximum quantity of values to show for each attribute.")
	fs.IntVar(&o.quantity, "quantity", defaultQuantity, "Maximum quantity of values to show for each attribute.")
	fs.Float64Var(&o.days, "d", defaultDays, "Timespan to query, in days (may be a decimal).")
	fs.Float64Var(&o.days, "days", defaultDays, "Timespan to query, in days (may be a decimal).")
	fs.BoolVar(&o.verbose, "v", false, "Report on additional query metadata.")
	fs.BoolVar(&o.verbose, "verbose", false, "Report on additional query metadata.")
	fs.StringVar(&o.confFile, "c", "", "Configuration file to use for data_source options such as the search url.")
	fs.StringVar(&o.confFile, "conf", "", "Configuration file to use for data_source options such as the search url.")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		return o, fmt.Errorf("expected exactly one query file argument, got %d", fs.NArg())
	}
	o.queryFile = fs.Arg(0)
	return o, nil
}

// valueCount is one observed value of an attribute with its share of
// the analyzed hits.
type valueCount struct {
	percent float64
	value   string
}

func analyzeAttribute(values map[string]int) []valueCount {
	total := 0
	for _, n := range values {
		total += n
	}
	out := make([]valueCount, 0, len(values))
	for v, n := range values {
		out = append(out, valueCount{percent: 100 * float64(n) / float64(total), value: v})
	}
	// Hit percentage descending, then value ascending.
	sort.Slice(out, func(i, j int) bool {
		if out[i].percent != out[j].percent {
			return out[i].percent > out[j].percent
		}
		return out[i].value < out[j].value
	})
	return out
}

func formatValue(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch t := v.(type) {
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			parts = append(parts, fmt.Sprintf("%v", x))
		}
		return strings.Join(parts, " ")
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func run(o options) error {
	cfg := config.Default()
	if o.confFile != "" {
		var err error
		cfg, err = config.Load(o.confFile)
		if err != nil {
			return err
		}
	}

	raw, err := os.ReadFile(o.queryFile)
	if err != nil {
		return err
	}
	var qf struct {
		Query string `json:"query"`
	}
	if err := yaml.Unmarshal(raw, &qf); err != nil {
		return fmt.Errorf("malformed query file %s: %w", o.queryFile, err)
	}

	engine, err := results.NewSearchEngine(cfg.DataSource.ESURL, cfg.DataSource.IndexFormat,
		logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		return err
	}

	rs, err := engine.Search(context.Background(), querybuilder.Generic(qf.Query),
		results.SearchOptions{Size: analysisSize, Days: o.days})
	if err != nil {
		return err
	}
	fmt.Printf("total hits: %d\n", rs.Len())

	// Count distinct values per attribute across all hits. Values are
	// keyed by their JSON encoding so lists and numbers bucket cleanly.
	attributes := map[string]map[string]int{}
	for _, hit := range rs.Hits() {
		for key, value := range hit.Source() {
			if strings.HasPrefix(key, "@") || key == "message" {
				// Meta attributes and raw messages are noise here.
				continue
			}
			enc, err := json.Marshal(value)
			if err != nil {
				continue
			}
			if attributes[key] == nil {
				attributes[key] = map[string]int{}
			}
			attributes[key][string(enc)]++
		}
	}

	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !o.verbose && ignoredAttributes[name] {
			continue
		}
		fmt.Println(name)
		for i, vc := range analyzeAttribute(attributes[name]) {
			if i >= o.quantity {
				break
			}
			fmt.Printf("  %d%% %s\n", int(vc.percent), formatValue(json.RawMessage(vc.value)))
		}
	}
	return nil
}

func main() {
	logutil.ComponentInit("elastic-recheck-query")
	o, err := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid options.")
	}
	if err := run(o); err != nil {
		logrus.WithError(err).Fatal("Query analysis failed.")
	}
}
