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
	"testing"

	"github.com/google/go-cmp/cmp"
)

const channelYAML = `
messages:
  footer: "See the dashboard for details."
channels:
  openstack-qa:
    events:
      - positive
      - negative
    projects:
      - all
  "#openstack-neutron":
    events:
      - positive
    projects:
      - openstack/neutron
`

func TestParseChannelConfig(t *testing.T) {
	cc, err := ParseChannelConfig([]byte(channelYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantChannels := []string{"#openstack-neutron", "#openstack-qa"}
	if diff := cmp.Diff(wantChannels, cc.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		event   string
		channel string
		want    bool
	}{
		{EventPositive, "#openstack-qa", true},
		{EventNegative, "#openstack-qa", true},
		{EventPositive, "#openstack-neutron", true},
		{EventNegative, "#openstack-neutron", false},
		{EventPositive, "#unknown", false},
	} {
		if got := cc.Subscribed(tc.event, tc.channel); got != tc.want {
			t.Errorf("Subscribed(%q, %q): got %t, want %t", tc.event, tc.channel, got, tc.want)
		}
	}

	for _, tc := range []struct {
		project string
		channel string
		want    bool
	}{
		{"openstack/nova", "#openstack-qa", true}, // all bucket
		{"openstack/neutron", "#openstack-neutron", true},
		{"openstack/nova", "#openstack-neutron", false},
	} {
		if got := cc.InterestedIn(tc.project, tc.channel); got != tc.want {
			t.Errorf("InterestedIn(%q, %q): got %t, want %t", tc.project, tc.channel, got, tc.want)
		}
	}

	if got := cc.Message("footer", "default"); got != "See the dashboard for details." {
		t.Errorf("Message(footer): got %q", got)
	}
	if got := cc.Message("found_bug", "default"); got != "default" {
		t.Errorf("Message(found_bug) should fall back to default, got %q", got)
	}
}

func TestParseChannelConfigFlatShape(t *testing.T) {
	flat := []byte(`
openstack-qa:
  events:
    - negative
`)
	cc, err := ParseChannelConfig(flat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cc.Subscribed(EventNegative, "#openstack-qa") {
		t.Error("flat-shape channel not subscribed to negative")
	}
	if cc.Subscribed(EventPositive, "#openstack-qa") {
		t.Error("flat-shape channel should not be subscribed to positive")
	}
}

func TestChannelConfigSerializeRoundTrip(t *testing.T) {
	cc, err := ParseChannelConfig([]byte(channelYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := cc.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	back, err := ParseChannelConfig(out)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if diff := cmp.Diff(cc.Channels, back.Channels); diff != "" {
		t.Errorf("channels changed across round trip (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(cc.Events, back.Events); diff != "" {
		t.Errorf("events changed across round trip (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(cc.Projects, back.Projects); diff != "" {
		t.Errorf("projects changed across round trip (-want +got):\n%s", diff)
	}
}

func TestParseChannelConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{"not yaml", "{"},
		{"bad channels block", "channels: 7"},
		{"bad messages block", "messages: [1, 2]"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseChannelConfig([]byte(tc.data)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
