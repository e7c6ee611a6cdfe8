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

package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDataDefaults(t *testing.T) {
	c, err := LoadData([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.DataSource.ESURL != DefaultESURL {
		t.Errorf("es_url: got %q, want default %q", c.DataSource.ESURL, DefaultESURL)
	}
	if c.DataSource.IndexFormat != DefaultIndexFormat {
		t.Errorf("index_format: got %q, want default %q", c.DataSource.IndexFormat, DefaultIndexFormat)
	}
	if c.RecheckWatch.CIUsername != DefaultCIUsername {
		t.Errorf("ci_username: got %q, want default %q", c.RecheckWatch.CIUsername, DefaultCIUsername)
	}
	if c.RecheckWatch.GateAttempts != DefaultGateAttempts {
		t.Errorf("gate_attempts: got %d, want %d", c.RecheckWatch.GateAttempts, DefaultGateAttempts)
	}
	if c.RecheckWatch.GateSleep != DefaultGateSleep {
		t.Errorf("gate_sleep: got %v, want %v", c.RecheckWatch.GateSleep, DefaultGateSleep)
	}
	if c.RecheckWatch.ReportCheckQueue {
		t.Error("report_check_queue should default to false")
	}
	if c.EventSource.Port != DefaultGerritPort {
		t.Errorf("gerrit port: got %d, want %d", c.EventSource.Port, DefaultGerritPort)
	}
}

func TestLoadDataOverlay(t *testing.T) {
	data := []byte(`
[data_source]
es_url = http://es.example.com/elasticsearch
index_format = logstash-2006.01.02-15

[event_source]
user = treinish
host = review.example.org
key = /home/er/.ssh/id_rsa
query_file = /opt/elastic-recheck/queries
url = https://review.example.org

[ircbot]
nick = RecheckWatchBot
pass = hunter2
server = irc.oftc.net
port = 6697
channel_config = /opt/elastic-recheck/channels.yaml

[recheckwatch]
ci_username = zuul
jobs_regex = dsvm
suppress_jobs_regex = (python2|pep8)
report_check_queue = true
gate_attempts = 5
gate_sleep = 2s
grace_period = 1s
metrics_port = 9100
`)
	c, err := LoadData(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.DataSource.ESURL != "http://es.example.com/elasticsearch" {
		t.Errorf("es_url not overlaid: %q", c.DataSource.ESURL)
	}
	if c.DataSource.DBURI != DefaultDBURI {
		t.Errorf("db_uri should keep default, got %q", c.DataSource.DBURI)
	}
	if c.EventSource.User != "treinish" {
		t.Errorf("user: got %q", c.EventSource.User)
	}
	if c.EventSource.Port != DefaultGerritPort {
		t.Errorf("unset gerrit port should keep default, got %d", c.EventSource.Port)
	}
	if c.IRCBot.Port != 6697 {
		t.Errorf("irc port: got %d", c.IRCBot.Port)
	}
	if c.RecheckWatch.CIUsername != "zuul" {
		t.Errorf("ci_username: got %q", c.RecheckWatch.CIUsername)
	}
	if c.RecheckWatch.SuppressJobsRegex != "(python2|pep8)" {
		t.Errorf("suppress_jobs_regex: got %q", c.RecheckWatch.SuppressJobsRegex)
	}
	if !c.RecheckWatch.ReportCheckQueue {
		t.Error("report_check_queue not overlaid")
	}
	if c.RecheckWatch.GateAttempts != 5 {
		t.Errorf("gate_attempts: got %d", c.RecheckWatch.GateAttempts)
	}
	if c.RecheckWatch.GateSleep != 2*time.Second {
		t.Errorf("gate_sleep: got %v", c.RecheckWatch.GateSleep)
	}
	if c.RecheckWatch.GateGrace != time.Second {
		t.Errorf("grace_period: got %v", c.RecheckWatch.GateGrace)
	}
	if c.RecheckWatch.MetricsPort != 9100 {
		t.Errorf("metrics_port: got %d", c.RecheckWatch.MetricsPort)
	}
}

func TestLoadDataBadDuration(t *testing.T) {
	_, err := LoadData([]byte("[recheckwatch]\ngate_sleep = forty\n"))
	if err == nil {
		t.Fatal("expected error for bad gate_sleep")
	}
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("expected *ConfigError, got %T: %v", err, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/recheck.conf")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("expected *ConfigError, got %T: %v", err, err)
	}
}
