// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Images travel inline.
	maxMessageSize = 8 << 20

	// Time allowed for the peer to send its token.
	authTimeout = 30 * time.Second

	// Outbound messages buffered per client.
	sendBuffer = 256
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// ClientServices are the collaborators a Client uses to serve requests.
type ClientServices struct {
	Repo     *Repository
	Chat     ChatService
	Users    UserService
	Verifier TokenVerifier
}

// Client is a middleman between the ws connection and the Hub. Every feed
// callback of a client runs on its own Loop.
type Client struct {
	Hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// ID of the user
	id string

	services ClientServices
	session  *Session
	loop     *Loop
	feeds    *Feeds
	ctx      context.Context
	cancel   context.CancelFunc

	// Live subscriptions by client-chosen id. Only touched on the loop.
	subs map[string]*Subscription
	self *Subscription

	// Whether the Client has sent over a valid auth token
	authenticated atomic.Bool

	closing   chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, id string, services ClientServices) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	return &Client{
		Hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		id:       id,
		services: services,
		session:  NewSession(),
		loop:     loop,
		feeds:    NewFeeds(ctx, services.Repo, loop),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*Subscription),
		closing:  make(chan struct{}),
	}
}

// Session is the signed-in state of the client.
func (c *Client) Session() *Session {
	return c.session
}

// ReadPump pumps messages from the ws connection to the Hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	go c.loop.Run(c.ctx)
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Error("Unable to set read deadline", "uid", c.id, "err", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// If user does not authenticate within allotted time then disconnect Client
	disconnectTimer := time.AfterFunc(authTimeout, func() {
		if !c.authenticated.Load() {
			log.Warn("Client did not authenticate in time", "uid", c.id)
			c.kick()
		}
	})
	defer disconnectTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("Unexpected close", "uid", c.id, "err", err)
			}
			return
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))

		var incomingEvent IncomingEvent
		if err := json.Unmarshal(message, &incomingEvent); err != nil {
			log.Debug("Could not process message", "uid", c.id, "err", err)
			c.reply(IncomingEvent{}, nil, Validation("message is not valid JSON"))
			continue
		}

		if !c.authenticated.Load() {
			if incomingEvent.RequestType != Authenticate {
				c.reply(incomingEvent, nil, Validation("authenticate first"))
				continue
			}
			if err := c.authenticate(incomingEvent.Token); err != nil {
				c.reply(incomingEvent, nil, err)
				return
			}
			disconnectTimer.Stop()
			c.reply(incomingEvent, c.session.Current(), nil)
			continue
		}
		c.handle(incomingEvent)
	}
}

func (c *Client) authenticate(idToken string) error {
	token, err := c.services.Verifier.VerifyIDToken(c.ctx, idToken)
	if err != nil {
		log.Info("Rejected client token", "uid", c.id, "err", err)
		return Validation("token not valid")
	}
	if token.UID != c.id {
		return Validation("token does not match client uid")
	}
	user, err := c.services.Users.GetUser(c.ctx, c.id)
	if err != nil {
		return err
	}
	c.session.Set(user)
	c.authenticated.Store(true)

	c.loop.Post(func() {
		c.self = c.feeds.SubscribeUser(c.id, func(ev Event[*User]) {
			switch ev.Kind {
			case Snapshot:
				c.session.Set(ev.Value)
			case Absent:
				log.Info("Signed-in account is gone", "uid", c.id)
				c.session.Set(nil)
				c.kick()
			}
		})
	})
	return nil
}

func (c *Client) handle(ev IncomingEvent) {
	user := c.session.Current()
	if user == nil {
		c.reply(ev, nil, NotFound("signed-in user is gone"))
		return
	}

	switch ev.RequestType {
	case SubscribeUser:
		id := ev.RecipientId
		if id == "" {
			id = user.Id
		}
		onChange := forward[*User](c, ev)
		if id != user.Id {
			onChange = publicProfile(forward[Projection](c, ev))
		}
		c.subscribe(ev, func() *Subscription {
			return c.feeds.SubscribeUser(id, onChange)
		})
	case SubscribeConversation:
		if _, err := c.services.Chat.GetConversation(c.ctx, user.Id, ev.ConversationId); err != nil {
			c.reply(ev, nil, err)
			return
		}
		c.subscribe(ev, func() *Subscription {
			return c.feeds.SubscribeConversation(ev.ConversationId, forward[*Conversation](c, ev))
		})
	case SubscribeMessages:
		if _, err := c.services.Chat.GetConversation(c.ctx, user.Id, ev.ConversationId); err != nil {
			c.reply(ev, nil, err)
			return
		}
		c.subscribe(ev, func() *Subscription {
			return c.feeds.SubscribeMessages(ev.ConversationId, forward[[]*Message](c, ev))
		})
	case SubscribeConversationPointers:
		c.subscribe(ev, func() *Subscription {
			return c.feeds.SubscribeConversationPointers(user.Id, forward[[]*ConversationPointer](c, ev))
		})
	case Unsubscribe:
		c.loop.Post(func() {
			if sub, ok := c.subs[ev.SubscriptionId]; ok {
				sub.Unsubscribe()
				delete(c.subs, ev.SubscriptionId)
			}
		})
	case StartConversation:
		pointer, err := c.services.Chat.StartConversation(c.ctx, user, ev.RecipientId)
		c.reply(ev, pointer, err)
	case AddMessage:
		var attachment *Attachment
		if len(ev.Media) > 0 {
			attachment = &Attachment{Data: ev.Media, ContentType: ev.ContentType}
		}
		message, err := c.services.Chat.AddMessage(c.ctx, user, ev.ConversationId, ev.Text, attachment)
		c.reply(ev, message, err)
	case React:
		message, err := c.services.Chat.React(c.ctx, user, ev.ConversationId, ev.MessageId, ev.Reaction)
		c.reply(ev, message, err)
	case SetTyping:
		err := c.services.Chat.SetUserTyping(c.ctx, user, ev.ConversationId, ev.Typing)
		c.reply(ev, nil, err)
	default:
		c.reply(ev, nil, Validation("unknown request type"))
	}
}

// subscribe replaces the subscription registered under the event's id.
func (c *Client) subscribe(ev IncomingEvent, start func() *Subscription) {
	if ev.SubscriptionId == "" {
		c.reply(ev, nil, Validation("subscriptionId is required"))
		return
	}
	c.loop.Post(func() {
		if old, ok := c.subs[ev.SubscriptionId]; ok {
			old.Unsubscribe()
		}
		c.subs[ev.SubscriptionId] = start()
	})
}

func forward[T any](c *Client, req IncomingEvent) func(Event[T]) {
	return func(ev Event[T]) {
		out := OutgoingEvent{
			RequestType:    req.RequestType,
			SubscriptionId: req.SubscriptionId,
			Kind:           ev.Kind.String(),
		}
		switch ev.Kind {
		case Snapshot:
			out.Payload = ev.Value
		case Failed:
			out.Error = ErrorOf(ev.Err)
		}
		c.emit(out)
	}
}

// publicProfile narrows another user's profile to its search projection.
func publicProfile(next func(Event[Projection])) func(Event[*User]) {
	return func(ev Event[*User]) {
		out := Event[Projection]{Kind: ev.Kind, Err: ev.Err}
		if ev.Value != nil {
			out.Value = ProjectionOf(ev.Value)
		}
		next(out)
	}
}

// reply answers a request. A result may accompany an error when the request
// partially succeeded.
func (c *Client) reply(req IncomingEvent, payload interface{}, err error) {
	out := OutgoingEvent{
		RequestType:    req.RequestType,
		SubscriptionId: req.SubscriptionId,
		Kind:           "result",
		Payload:        payload,
	}
	if err != nil {
		out.Kind = "error"
		out.Error = ErrorOf(err)
	}
	c.emit(out)
}

func (c *Client) emit(out OutgoingEvent) {
	message, err := json.Marshal(out)
	if err != nil {
		log.Error("Could not process outgoing message", "uid", c.id, "err", err)
		return
	}
	select {
	case c.send <- message:
	case <-c.closing:
	default:
		log.Warn("Client is not keeping up, disconnecting", "uid", c.id)
		c.kick()
	}
}

// kick closes the connection, which ends ReadPump and with it the client.
func (c *Client) kick() {
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// shutdown stops every feed before the Hub closes the send channel, so no
// callback can write to it afterwards.
func (c *Client) shutdown() {
	c.loop.Do(func() {
		for id, sub := range c.subs {
			sub.Unsubscribe()
			delete(c.subs, id)
		}
		if c.self != nil {
			c.self.Unsubscribe()
		}
	})
	c.loop.Close()
	<-c.loop.Done()
	c.cancel()
	c.kick()
	c.Hub.unregister <- c
}

// WritePump pumps messages from the Hub to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued chat messages to the current ws message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
