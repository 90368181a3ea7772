package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/chat"
	"github.com/dkeye/Duet/internal/client"
	"github.com/dkeye/Duet/internal/client/session"
	"github.com/rs/zerolog/log"
)

const help = `commands:
  /invite <identity>   invite a peer
  /accept | /decline   answer the pending invite
  /who <identity>      ask the hub whether identity is online
  /history             show messages that have not expired
  /status              show the session state
  /reset               drop the session
  /quit                leave
anything else is sent to the connected peer`

// console is the line-oriented UI of duet-peer.
type console struct {
	out     io.Writer
	self    string
	peer    *client.Peer
	codec   *chat.Codec
	history *chat.History
	invite  string
	accept  bool

	mu         sync.Mutex
	inviteOnce sync.Once
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.peer.Events():
			c.handle(ev)
		}
	}
}

func (c *console) handle(ev session.Event) {
	switch ev.Kind {
	case session.EventRegistered:
		c.printf("* registered as %s", ev.Peer)
		if c.invite != "" {
			c.inviteOnce.Do(func() { go c.doInvite(c.invite) })
		}
	case session.EventSignalingDown:
		c.printf("* hub connection lost")
	case session.EventInviteSent:
		c.printf("* invite delivered to %s", ev.Peer)
	case session.EventInviteReceived:
		if c.accept {
			c.printf("* invite from %s, accepting", ev.Peer)
			go c.report(c.peer.Accept())
			return
		}
		c.printf("* invite from %s (/accept or /decline)", ev.Peer)
	case session.EventAccepted:
		c.printf("* %s accepted", ev.Peer)
	case session.EventDeclined:
		c.printf("* %s declined", ev.Peer)
	case session.EventExpired:
		c.printf("* invite to %s expired", ev.Peer)
	case session.EventNegotiating:
		c.printf("* connecting to %s", ev.Peer)
	case session.EventChannelOpen:
		c.printf("* connected to %s", ev.Peer)
	case session.EventKeyExchangeComplete:
		if err := c.codec.SetPeerKey(string(ev.Payload)); err != nil {
			c.printf("! bad key from %s: %v", ev.Peer, err)
			return
		}
		if c.codec.Encrypted() {
			c.printf("* keys exchanged, messages are encrypted")
		}
	case session.EventChannelClosed:
		c.codec.ClearPeerKey()
		c.printf("* %s left", ev.Peer)
	case session.EventConnectionFailed:
		c.codec.ClearPeerKey()
		c.printf("! connection failed: %v (/reset to start over)", ev.Err)
	case session.EventReset:
		c.codec.ClearPeerKey()
	case session.EventPresence:
		state := "offline"
		if ev.Online {
			state = "online"
		}
		c.printf("* %s is %s", ev.Peer, state)
	case session.EventMessage:
		msg, err := c.codec.Decode(ev.Payload)
		if err != nil {
			log.Warn().Err(err).Str("module", "peer.console").Msg("undecodable message")
			return
		}
		c.history.Add(msg)
		c.printf("%s [%s] %s", msg.Timestamp.Local().Format(time.Kitchen), msg.Sender, msg.Text)
	case session.EventError:
		c.printf("! %v", ev.Err)
	}
}

func (c *console) report(err error) {
	if err != nil {
		c.printf("! %v", err)
	}
}

func (c *console) doInvite(target string) {
	c.report(c.peer.Invite(target))
}

func (c *console) readInput(ctx context.Context, in io.Reader) {
	c.printf("%s", help)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !c.command(line) {
			return
		}
	}
}

// command runs one input line; false means quit.
func (c *console) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit":
		return false
	case "/invite":
		c.doInvite(arg)
	case "/accept":
		c.report(c.peer.Accept())
	case "/decline":
		c.report(c.peer.Decline())
	case "/reset":
		c.report(c.peer.Reset())
	case "/who":
		c.report(c.peer.QueryPresence(arg))
	case "/history":
		for _, m := range c.history.Messages() {
			c.printf("%s [%s] %s", m.Timestamp.Local().Format(time.Kitchen), m.Sender, m.Text)
		}
	case "/status":
		s := c.peer.Snapshot()
		c.printf("mode=%s negotiation=%s channel=%s remote=%q incoming=%q hub=%t registered=%t",
			s.Mode, s.Negotiation, s.Channel, s.Remote, s.Incoming, s.SignalingUp, s.Registered)
	case "/help":
		c.printf("%s", help)
	default:
		c.say(line)
	}
	return true
}

func (c *console) say(text string) {
	msg := chat.NewMessage(c.self, text)
	frame, err := c.codec.Encode(msg)
	if errors.Is(err, chat.ErrPeerKeyUnknown) {
		c.printf("! waiting for the peer key")
		return
	}
	if err != nil {
		c.printf("! %v", err)
		return
	}
	if !c.peer.Send(frame) {
		c.printf("! not connected to a peer")
		return
	}
	c.history.Add(msg)
}
