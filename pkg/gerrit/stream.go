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

package gerrit

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"opendev.org/opendev/elastic-recheck/pkg/config"
)

const (
	streamCommand  = "gerrit stream-events"
	dialTimeout    = 30 * time.Second
	maxEventSize   = 1 << 20
	reconnectFloor = 5 * time.Second
	reconnectCeil  = 5 * time.Minute
)

// Stream consumes `gerrit stream-events` over SSH and yields CI
// failure events one at a time. It reconnects with backoff when the
// feed drops; events arriving while disconnected are lost, which is
// acceptable since the core is stateless anyway.
type Stream struct {
	user   string
	addr   string
	signer ssh.Signer

	ciUsername string
	jobsRe     *regexp.Regexp
	suppressRe *regexp.Regexp

	log *logrus.Entry

	client  *ssh.Client
	session *ssh.Session
	scanner *bufio.Scanner
}

// NewStream validates the event-source config and prepares a Stream.
// No connection is made until the first Next call.
func NewStream(es config.EventSource, rw config.RecheckWatch, log *logrus.Entry) (*Stream, error) {
	keyData, err := os.ReadFile(es.Key)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unable to read ssh key at %s", es.Key), Err: err}
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unable to parse ssh key at %s", es.Key), Err: err}
	}
	jobsRe, err := regexp.Compile(rw.JobsRegex)
	if err != nil {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("invalid jobs_regex %q", rw.JobsRegex), Err: err}
	}
	var suppressRe *regexp.Regexp
	if rw.SuppressJobsRegex != "" {
		suppressRe, err = regexp.Compile(rw.SuppressJobsRegex)
		if err != nil {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("invalid suppress_jobs_regex %q", rw.SuppressJobsRegex), Err: err}
		}
	}
	return &Stream{
		user:       es.User,
		addr:       fmt.Sprintf("%s:%d", es.Host, es.Port),
		signer:     signer,
		ciUsername: rw.CIUsername,
		jobsRe:     jobsRe,
		suppressRe: suppressRe,
		log:        log,
	}, nil
}

// Next blocks until the feed delivers a failure event that passes the
// filter, or ctx is done.
func (s *Stream) Next(ctx context.Context) (*FailEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := s.readLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.WithError(err).Warning("Event stream dropped, reconnecting.")
			s.disconnect()
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			s.log.WithError(err).Debug("Skipping undecodable event.")
			continue
		}
		jobs := ParseFailure(ev, s.ciUsername, s.suppressRe)
		if len(jobs) == 0 {
			continue
		}
		fe := NewFailEvent(ev, jobs)
		if !s.jobsRe.MatchString(fe.Comment) {
			// Not one of the gating jobs we watch.
			continue
		}
		s.log.WithFields(logrus.Fields{
			"change":  fe.Change,
			"rev":     fe.Rev,
			"project": fe.Project,
		}).Info("Found failure event.")
		return fe, nil
	}
}

func (s *Stream) readLine(ctx context.Context) ([]byte, error) {
	if s.scanner == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("event stream closed")
	}
	line := make([]byte, len(s.scanner.Bytes()))
	copy(line, s.scanner.Bytes())
	return line, nil
}

func (s *Stream) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectFloor
	bo.MaxInterval = reconnectCeil
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := s.dial(ctx)
		if err != nil {
			s.log.WithError(err).Warning("Unable to connect to gerrit, will retry.")
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (s *Stream) dial(ctx context.Context) error {
	cfg := &ssh.ClientConfig{
		User: s.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		// The host key is pinned operationally (known_hosts is not
		// useful inside the containers this runs in).
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	client, err := ssh.Dial("tcp", s.addr, cfg)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return err
	}
	if err := session.Start(streamCommand); err != nil {
		session.Close()
		client.Close()
		return err
	}

	// Unblock the scanner when the caller goes away.
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	s.client = client
	s.session = session
	s.scanner = scanner
	s.log.WithField("addr", s.addr).Info("Connected to gerrit event stream.")
	return nil
}

func (s *Stream) disconnect() {
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.scanner = nil
}
