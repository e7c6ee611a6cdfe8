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

// Package config loads the daemon configuration: the sectioned process
// config file and the channel subscription config consumed by the
// reporter.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Defaults mirror the upstream OpenStack deployment so a minimal config
// file only has to carry credentials.
const (
	DefaultESURL       = "http://logstash.openstack.org:80/elasticsearch"
	DefaultLSURL       = "http://logstash.openstack.org"
	DefaultDBURI       = "query:query@tcp(logstash.openstack.org:3306)/subunit2sql"
	DefaultIndexFormat = "logstash-2006.01.02"

	DefaultJobsRegex  = "(tempest-dsvm-full|gate-tempest-dsvm-virtual-ironic)"
	DefaultCIUsername = "jenkins"

	DefaultGerritHost = "review.opendev.org"
	DefaultGerritPort = 29418

	DefaultPIDFile = "/var/run/elastic-recheck/elastic-recheck.pid"
)

// Readiness gate defaults, see Gate in pkg/recheck.
const (
	DefaultGateAttempts = 20
	DefaultGateSleep    = 40 * time.Second
	DefaultGateGrace    = 10 * time.Second
)

// ConfigError is fatal at startup: the process or channel config is
// missing or does not parse.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DataSource holds the [data_source] section: where the log index and
// the test-result database live.
type DataSource struct {
	ESURL       string
	LSURL       string
	DBURI       string
	IndexFormat string
}

// EventSource holds the [event_source] section: how to reach the gerrit
// event stream and where review comments go back.
type EventSource struct {
	User         string
	Host         string
	Port         int
	Key          string
	QueryFile    string
	URL          string
	HTTPPassword string
}

// IRCBot holds the [ircbot] section.
type IRCBot struct {
	Nick           string
	Pass           string
	Server         string
	Port           int
	ServerPassword string
	ChannelConfig  string
	PIDFile        string
}

// RecheckWatch holds the [recheckwatch] section: the stream filter and
// the orchestrator tunables.
type RecheckWatch struct {
	CIUsername        string
	JobsRegex         string
	SuppressJobsRegex string
	ReportCheckQueue  bool
	GateAttempts      int
	GateSleep         time.Duration
	GateGrace         time.Duration
	MetricsPort       int
}

// Config is the fully resolved process configuration, threaded through
// every constructor instead of being read from globals.
type Config struct {
	DataSource   DataSource
	EventSource  EventSource
	IRCBot       IRCBot
	RecheckWatch RecheckWatch
}

// Default returns a Config populated with the compiled-in defaults.
func Default() *Config {
	return &Config{
		DataSource: DataSource{
			ESURL:       DefaultESURL,
			LSURL:       DefaultLSURL,
			DBURI:       DefaultDBURI,
			IndexFormat: DefaultIndexFormat,
		},
		EventSource: EventSource{
			Host: DefaultGerritHost,
			Port: DefaultGerritPort,
		},
		IRCBot: IRCBot{
			Port:    6667,
			PIDFile: DefaultPIDFile,
		},
		RecheckWatch: RecheckWatch{
			CIUsername:   DefaultCIUsername,
			JobsRegex:    DefaultJobsRegex,
			GateAttempts: DefaultGateAttempts,
			GateSleep:    DefaultGateSleep,
			GateGrace:    DefaultGateGrace,
		},
	}
}

// Load reads an INI config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("unable to read config file at %s", path), Err: err}
	}
	return parse(f)
}

// LoadData parses config from an in-memory byte slice, for tests.
func LoadData(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, &ConfigError{Msg: "unable to parse config data", Err: err}
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	c := Default()

	if s, err := f.GetSection("data_source"); err == nil {
		c.DataSource.ESURL = s.Key("es_url").MustString(c.DataSource.ESURL)
		c.DataSource.LSURL = s.Key("ls_url").MustString(c.DataSource.LSURL)
		c.DataSource.DBURI = s.Key("db_uri").MustString(c.DataSource.DBURI)
		c.DataSource.IndexFormat = s.Key("index_format").MustString(c.DataSource.IndexFormat)
	}

	if s, err := f.GetSection("event_source"); err == nil {
		c.EventSource.User = s.Key("user").String()
		c.EventSource.Host = s.Key("host").MustString(c.EventSource.Host)
		c.EventSource.Port = s.Key("port").MustInt(c.EventSource.Port)
		c.EventSource.Key = s.Key("key").String()
		c.EventSource.QueryFile = s.Key("query_file").String()
		c.EventSource.URL = s.Key("url").MustString("https://" + c.EventSource.Host)
		c.EventSource.HTTPPassword = s.Key("http_password").String()
	}

	if s, err := f.GetSection("ircbot"); err == nil {
		c.IRCBot.Nick = s.Key("nick").String()
		c.IRCBot.Pass = s.Key("pass").String()
		c.IRCBot.Server = s.Key("server").String()
		c.IRCBot.Port = s.Key("port").MustInt(c.IRCBot.Port)
		c.IRCBot.ServerPassword = s.Key("server_password").String()
		c.IRCBot.ChannelConfig = s.Key("channel_config").String()
		c.IRCBot.PIDFile = s.Key("pidfile").MustString(c.IRCBot.PIDFile)
	}

	if s, err := f.GetSection("recheckwatch"); err == nil {
		c.RecheckWatch.CIUsername = s.Key("ci_username").MustString(c.RecheckWatch.CIUsername)
		c.RecheckWatch.JobsRegex = s.Key("jobs_regex").MustString(c.RecheckWatch.JobsRegex)
		c.RecheckWatch.SuppressJobsRegex = s.Key("suppress_jobs_regex").String()
		c.RecheckWatch.ReportCheckQueue = s.Key("report_check_queue").MustBool(false)
		c.RecheckWatch.GateAttempts = s.Key("gate_attempts").MustInt(c.RecheckWatch.GateAttempts)
		if v := s.Key("gate_sleep").String(); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, &ConfigError{Msg: fmt.Sprintf("invalid gate_sleep %q", v), Err: err}
			}
			c.RecheckWatch.GateSleep = d
		}
		if v := s.Key("grace_period").String(); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, &ConfigError{Msg: fmt.Sprintf("invalid grace_period %q", v), Err: err}
			}
			c.RecheckWatch.GateGrace = d
		}
		c.RecheckWatch.MetricsPort = s.Key("metrics_port").MustInt(0)
	}

	return c, nil
}
