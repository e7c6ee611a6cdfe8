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
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"sigs.k8s.io/yaml"
)

// Subscription event classes channels can sign up for.
const (
	EventPositive = "positive"
	EventNegative = "negative"
)

// ProjectAll is the wildcard project bucket: channels in it see
// classified failures regardless of which project the bug targets.
const ProjectAll = "all"

// ChannelSettings is the per-channel subscription block of the channel
// config file.
type ChannelSettings struct {
	Events   []string `json:"events"`
	Projects []string `json:"projects,omitempty"`
}

// ChannelConfig answers "should channel X see this message?". Channel
// names are normalized to carry a leading '#', and the events/projects
// relations are inverted at load time for fast lookup.
type ChannelConfig struct {
	// Channels is the sorted list of normalized channel names.
	Channels []string
	// Events maps an event class to the set of subscribed channels.
	Events map[string]map[string]bool
	// Projects maps a project (or ProjectAll) to the set of
	// interested channels.
	Projects map[string]map[string]bool
	// Messages holds named message templates for the reporter.
	Messages map[string]string

	settings map[string]ChannelSettings
}

// LoadChannelConfig reads and parses the channel config YAML at path.
func LoadChannelConfig(path string) (*ChannelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("unable to read layout config file at %s", path), Err: err}
	}
	cc, err := ParseChannelConfig(data)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("unable to parse layout config file at %s", path), Err: err}
	}
	return cc, nil
}

// ParseChannelConfig parses channel config YAML. Both the current shape
// (messages + channels keys) and the historical flat shape (channels at
// the top level) are accepted.
func ParseChannelConfig(data []byte) (*ChannelConfig, error) {
	var top map[string]json.RawMessage
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, err
	}

	cc := &ChannelConfig{
		Events:   map[string]map[string]bool{},
		Projects: map[string]map[string]bool{},
		Messages: map[string]string{},
		settings: map[string]ChannelSettings{},
	}

	if raw, ok := top["messages"]; ok {
		if err := json.Unmarshal(raw, &cc.Messages); err != nil {
			return nil, fmt.Errorf("invalid messages block: %w", err)
		}
	}

	channels := map[string]ChannelSettings{}
	if raw, ok := top["channels"]; ok {
		if err := json.Unmarshal(raw, &channels); err != nil {
			return nil, fmt.Errorf("invalid channels block: %w", err)
		}
	} else {
		// Flat historical shape.
		for name, raw := range top {
			if name == "messages" {
				continue
			}
			var s ChannelSettings
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("invalid channel %q: %w", name, err)
			}
			channels[name] = s
		}
	}

	for name, s := range channels {
		if name == "" {
			return nil, fmt.Errorf("empty channel name")
		}
		if name[0] != '#' {
			name = "#" + name
		}
		cc.settings[name] = s
		cc.Channels = append(cc.Channels, name)
		for _, ev := range s.Events {
			if cc.Events[ev] == nil {
				cc.Events[ev] = map[string]bool{}
			}
			cc.Events[ev][name] = true
		}
		for _, p := range s.Projects {
			if cc.Projects[p] == nil {
				cc.Projects[p] = map[string]bool{}
			}
			cc.Projects[p][name] = true
		}
	}
	sort.Strings(cc.Channels)

	return cc, nil
}

// Serialize renders the normalized config back to YAML in the current
// shape. Re-parsing the output yields identical inverted indices.
func (c *ChannelConfig) Serialize() ([]byte, error) {
	doc := struct {
		Messages map[string]string          `json:"messages,omitempty"`
		Channels map[string]ChannelSettings `json:"channels"`
	}{
		Messages: c.Messages,
		Channels: c.settings,
	}
	return yaml.Marshal(doc)
}

// Subscribed reports whether channel signed up for the given event
// class.
func (c *ChannelConfig) Subscribed(event, channel string) bool {
	return c.Events[event][channel]
}

// InterestedIn reports whether channel wants to hear about project,
// either directly or through the ProjectAll bucket.
func (c *ChannelConfig) InterestedIn(project, channel string) bool {
	if c.Projects[ProjectAll][channel] {
		return true
	}
	return c.Projects[project][channel]
}

// Message returns the named message template, or def when the config
// does not override it.
func (c *ChannelConfig) Message(name, def string) string {
	if m, ok := c.Messages[name]; ok {
		return m
	}
	return def
}
