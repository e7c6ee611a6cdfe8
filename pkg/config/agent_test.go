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
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestChannelConfigAgentInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(channelYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := NewChannelConfigAgent(path, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(a.Config().Channels); got != 2 {
		t.Errorf("expected 2 channels, got %d", got)
	}
}

func TestChannelConfigAgentBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewChannelConfigAgent(path, logrus.NewEntry(logrus.New())); err == nil {
		t.Error("expected error on broken initial config")
	}
}

func TestChannelConfigAgentReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(channelYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := NewChannelConfigAgent(path, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A broken rewrite must not wipe the served config.
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	a.reload()
	if got := len(a.Config().Channels); got != 2 {
		t.Errorf("broken reload should keep previous config, got %d channels", got)
	}

	good := []byte("channels:\n  infra:\n    events:\n      - negative\n")
	if err := os.WriteFile(path, good, 0o644); err != nil {
		t.Fatal(err)
	}
	a.reload()
	if got := a.Config().Channels; len(got) != 1 || got[0] != "#infra" {
		t.Errorf("reload did not pick up new config: %v", got)
	}
}
