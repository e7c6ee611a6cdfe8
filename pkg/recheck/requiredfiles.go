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
	"regexp"
)

var (
	integrationJobRe = regexp.MustCompile(`tempest-dsvm`)
	neutronJobRe     = regexp.MustCompile(`neutron`)
)

// serviceLogs are the files the integration jobs are expected to have
// indexed before queries against them are meaningful. Only files that
// actually appear in catalog queries are listed.
var serviceLogs = []string{
	"logs/screen-n-api.txt",
	"logs/screen-n-cpu.txt",
	"logs/screen-n-sch.txt",
	"logs/screen-g-api.txt",
	"logs/screen-c-api.txt",
	"logs/screen-c-vol.txt",
	"logs/syslog.txt",
}

// RequiredFiles returns the log files that must be indexed for a job
// before classifying it. Every job needs its console log; integration
// jobs additionally need the service logs, with the network service
// log depending on whether the job runs neutron.
func RequiredFiles(job string) []string {
	files := []string{"console.html"}
	if !integrationJobRe.MatchString(job) {
		return files
	}
	files = append(files, serviceLogs...)
	if neutronJobRe.MatchString(job) {
		files = append(files, "logs/screen-q-svc.txt")
	} else {
		files = append(files, "logs/screen-n-net.txt")
	}
	return files
}
