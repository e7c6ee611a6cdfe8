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

// Package ircbot is the chat transport: a small explicit state machine
// over a single owned socket. gopkg.in/irc.v4 supplies only the wire
// codec; connection handling, nick recovery and rate limiting live
// here.
package ircbot

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/irc.v4"

	"opendev.org/opendev/elastic-recheck/pkg/config"
)

const (
	// maxMessageBytes keeps each privmsg comfortably under the 512
	// byte IRC line limit once command overhead is added.
	maxMessageBytes = 400
	// sendPause is interposed between consecutive sends and channel
	// joins to stay within server rate limits.
	sendPause = 500 * time.Millisecond

	dialTimeout   = 30 * time.Second
	sendQueueSize = 128
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateRecovering
	stateIdentifying
	stateJoining
	stateReady
)

type outgoing struct {
	channel string
	text    string
}

// Bot owns the IRC connection. Send is the only entry point other
// goroutines may call.
type Bot struct {
	nick           string
	pass           string
	addr           string
	serverPassword string
	channels       []string
	log            *logrus.Entry

	sendq chan outgoing
	// dial is swapped out by tests.
	dial func(ctx context.Context) (net.Conn, error)

	state connState
	conn  net.Conn
	irc   *irc.Conn
}

// New builds a Bot that will join the given channels once connected.
func New(cfg config.IRCBot, channels []string, log *logrus.Entry) *Bot {
	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)
	b := &Bot{
		nick:           cfg.Nick,
		pass:           cfg.Pass,
		addr:           addr,
		serverPassword: cfg.ServerPassword,
		channels:       channels,
		log:            log,
		sendq:          make(chan outgoing, sendQueueSize),
	}
	b.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	return b
}

// Send enqueues a message for channel. It never blocks; when the queue
// is full the message is dropped with a log entry, chat is best
// effort.
func (b *Bot) Send(channel, msg string) {
	select {
	case b.sendq <- outgoing{channel: channel, text: msg}:
	default:
		b.log.WithField("channel", channel).Warning("Send queue full, dropping chat message.")
	}
}

// Run connects and serves the connection until ctx is done,
// reconnecting with backoff after failures.
func (b *Bot) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.WithError(err).Warning("IRC session ended, reconnecting.")
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bot) session(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	b.conn = conn
	b.irc = irc.NewConn(conn)
	b.state = stateConnecting

	// Registration.
	if b.serverPassword != "" {
		if err := b.write("PASS", b.serverPassword); err != nil {
			return err
		}
	}
	if err := b.write("NICK", b.nick); err != nil {
		return err
	}
	if err := b.write("USER", b.nick, "0", "*", b.nick); err != nil {
		return err
	}

	msgs := make(chan *irc.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := b.irc.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		// Outgoing traffic only flows once fully joined.
		var sq chan outgoing
		if b.state == stateReady {
			sq = b.sendq
		}
		select {
		case <-ctx.Done():
			b.write("QUIT", "shutting down")
			b.state = stateDisconnected
			return ctx.Err()
		case err := <-errc:
			b.state = stateDisconnected
			return err
		case m := <-msgs:
			if err := b.handle(ctx, m); err != nil {
				b.state = stateDisconnected
				return err
			}
		case out := <-sq:
			if err := b.deliver(ctx, out); err != nil {
				b.state = stateDisconnected
				return err
			}
		}
	}
}

func (b *Bot) handle(ctx context.Context, m *irc.Message) error {
	switch m.Command {
	case "PING":
		return b.write(append([]string{"PONG"}, m.Params...)...)
	case "001": // welcome
		return b.onWelcome(ctx)
	case "433": // nickname in use
		return b.onNicknameInUse(ctx)
	}
	return nil
}

// onWelcome identifies with nickserv and joins the configured
// channels, pacing the joins.
func (b *Bot) onWelcome(ctx context.Context) error {
	b.log.Info("Identifying with IRC server.")
	b.state = stateIdentifying
	if b.pass != "" {
		if err := b.privmsg("nickserv", fmt.Sprintf("identify %s ", b.pass)); err != nil {
			return err
		}
	}
	b.state = stateJoining
	for _, channel := range b.channels {
		if err := b.write("JOIN", channel); err != nil {
			return err
		}
		b.log.WithField("channel", channel).Info("Joined channel.")
		if err := pause(ctx, sendPause); err != nil {
			return err
		}
	}
	b.state = stateReady
	return nil
}

// onNicknameInUse reclaims the configured nick: register under a
// fallback, then ghost and release the stale session before switching
// back.
func (b *Bot) onNicknameInUse(ctx context.Context) error {
	b.log.Info("Nick previously in use, recovering.")
	b.state = stateRecovering
	if err := b.write("NICK", b.nick+"_"); err != nil {
		return err
	}
	if err := b.privmsg("nickserv", fmt.Sprintf("identify %s ", b.pass)); err != nil {
		return err
	}
	if err := b.privmsg("nickserv", fmt.Sprintf("ghost %s %s", b.nick, b.pass)); err != nil {
		return err
	}
	if err := b.privmsg("nickserv", fmt.Sprintf("release %s %s", b.nick, b.pass)); err != nil {
		return err
	}
	if err := pause(ctx, time.Second); err != nil {
		return err
	}
	if err := b.write("NICK", b.nick); err != nil {
		return err
	}
	b.log.Info("Nick previously in use, recovered.")
	return nil
}

func (b *Bot) deliver(ctx context.Context, out outgoing) error {
	b.log.WithField("channel", out.channel).Info("Sending chat message.")
	for _, chunk := range WrapMessage(out.text, maxMessageBytes) {
		if err := b.privmsg(out.channel, chunk); err != nil {
			return err
		}
		if err := pause(ctx, sendPause); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) privmsg(target, text string) error {
	return b.write("PRIVMSG", target, text)
}

func (b *Bot) write(params ...string) error {
	return b.irc.WriteMessage(&irc.Message{
		Command: params[0],
		Params:  params[1:],
	})
}

func pause(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WrapMessage splits text into chunks of at most limit bytes on word
// boundaries. Words longer than limit are hard-split.
func WrapMessage(text string, limit int) []string {
	var (
		chunks  []string
		current string
	)
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}
	for _, word := range strings.Fields(text) {
		for len(word) > limit {
			flush()
			chunks = append(chunks, word[:limit])
			word = word[limit:]
		}
		switch {
		case current == "":
			current = word
		case len(current)+1+len(word) <= limit:
			current += " " + word
		default:
			flush()
			current = word
		}
	}
	flush()
	return chunks
}
