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

package main

import (
	"flag"
	"testing"
)

func TestGatherOptions(t *testing.T) {
	for _, tc := range []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "config file only",
			args: []string{"/etc/elastic-recheck/recheck.conf"},
			want: options{configFile: "/etc/elastic-recheck/recheck.conf"},
		},
		{
			name: "all flags",
			args: []string{"-f", "-n", "--noirc", "recheck.conf"},
			want: options{foreground: true, nocomment: true, noirc: true, configFile: "recheck.conf"},
		},
		{
			name: "long flags",
			args: []string{"--foreground", "--nocomment", "recheck.conf"},
			want: options{foreground: true, nocomment: true, configFile: "recheck.conf"},
		},
		{
			name:    "missing config file",
			args:    []string{"-n"},
			wantErr: true,
		},
		{
			name:    "too many arguments",
			args:    []string{"a.conf", "b.conf"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := gatherOptions(flag.NewFlagSet("test", flag.ContinueOnError), tc.args...)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
