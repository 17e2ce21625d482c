package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ironquill/battlemap/internal/chat"
	"github.com/ironquill/battlemap/internal/presence"
	"go.uber.org/zap"
)

// chatBufferCap bounds the live chat ring buffer. Oldest entries are evicted
// first; eviction never touches durable storage.
const chatBufferCap = 100

const flushTimeout = 5 * time.Second

// ErrSessionClosed reports that the session actor has already stopped.
var ErrSessionClosed = errors.New("relay: session closed")

// Flusher hands the session's accumulated chat to the persistor. The relay
// holds no user session, so implementations authenticate with a shared
// process secret.
type Flusher interface {
	Flush(ctx context.Context, mapID string, messages []chat.Message) error
}

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventFrame
)

type sessionEvent struct {
	kind   eventKind
	client *Client
	frame  []byte
	reply  chan error
}

// Session is the ephemeral actor for one map: it owns the connected
// participant registry and the chat ring buffer, and fans messages out to
// the other connections. All state is touched only by the run loop, so the
// session needs no locking; sessions never share state.
type Session struct {
	mapID         string
	logger        *zap.Logger
	flusher       Flusher
	flushInterval time.Duration
	clock         func() time.Time
	onEmpty       func(*Session)

	events chan sessionEvent
	done   chan struct{}
}

func newSession(mapID string, cfg HubConfig, onEmpty func(*Session)) *Session {
	session := &Session{
		mapID:         mapID,
		logger:        cfg.Logger.With(zap.String("map_id", mapID)),
		flusher:       cfg.Flusher,
		flushInterval: cfg.FlushInterval,
		clock:         cfg.Clock,
		onEmpty:       onEmpty,
		events:        make(chan sessionEvent),
		done:          make(chan struct{}),
	}
	go session.run()
	return session
}

// MapID returns the map this session serves.
func (s *Session) MapID() string {
	return s.mapID
}

// Join registers the client and returns once the actor has processed it.
func (s *Session) Join(client *Client) error {
	reply := make(chan error, 1)
	select {
	case s.events <- sessionEvent{kind: eventJoin, client: client, reply: reply}:
		return <-reply
	case <-s.done:
		return ErrSessionClosed
	}
}

// Leave removes the client. Safe to call more than once; a leave racing the
// session teardown is a no-op.
func (s *Session) Leave(client *Client) {
	select {
	case s.events <- sessionEvent{kind: eventLeave, client: client}:
	case <-s.done:
	}
}

// Receive hands one inbound frame to the actor.
func (s *Session) Receive(client *Client, frame []byte) {
	select {
	case s.events <- sessionEvent{kind: eventFrame, client: client, frame: frame}:
	case <-s.done:
	}
}

func (s *Session) run() {
	clients := make(map[*Client]struct{})
	var buffer []chat.Message
	var pending []chat.Message

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-s.events:
			switch event.kind {
			case eventJoin:
				clients[event.client] = struct{}{}
				s.broadcastRoster(clients, nil)
				s.sendHistory(event.client, buffer)
				event.reply <- nil
			case eventLeave:
				if _, known := clients[event.client]; !known {
					continue
				}
				delete(clients, event.client)
				close(event.client.send)
				s.broadcastLeft(clients, event.client)
				s.broadcastRoster(clients, nil)
				if len(clients) == 0 {
					close(s.done)
					pending = s.flush(pending)
					if s.onEmpty != nil {
						s.onEmpty(s)
					}
					return
				}
			case eventFrame:
				buffer, pending = s.handleFrame(clients, event.client, event.frame, buffer, pending)
			}
		case <-ticker.C:
			pending = s.flush(pending)
		}
	}
}

// handleFrame dispatches one inbound message. A malformed frame is logged
// and dropped; the sender's connection and everyone else's stay untouched.
func (s *Session) handleFrame(clients map[*Client]struct{}, sender *Client, frame []byte, buffer, pending []chat.Message) ([]chat.Message, []chat.Message) {
	var head envelope
	if err := json.Unmarshal(frame, &head); err != nil || head.Type == "" {
		s.logger.Warn("dropping malformed relay frame",
			zap.String("user_id", sender.UserID), zap.Error(err))
		return buffer, pending
	}

	switch head.Type {
	case KindChatClear:
		buffer = nil
		s.broadcast(clients, sender, frame)
	case KindChat:
		var parsed chatFrame
		if err := json.Unmarshal(frame, &parsed); err != nil {
			s.logger.Warn("dropping malformed chat frame",
				zap.String("user_id", sender.UserID), zap.Error(err))
			return buffer, pending
		}
		message := chat.Message{
			ID:          parsed.ID,
			MapID:       s.mapID,
			SenderID:    sender.UserID,
			SenderName:  sender.DisplayName,
			Role:        parsed.Role,
			Text:        parsed.Text,
			Metadata:    parsed.Metadata,
			RecipientID: parsed.RecipientID,
			SentAtSec:   s.clock().UTC().Unix(),
		}
		if message.ID == "" {
			message.ID = uuid.NewString()
		}
		if err := chat.Validate(message); err != nil {
			s.logger.Warn("dropping invalid chat message",
				zap.String("user_id", sender.UserID), zap.Error(err))
			return buffer, pending
		}
		buffer = append(buffer, message)
		if len(buffer) > chatBufferCap {
			buffer = buffer[len(buffer)-chatBufferCap:]
		}
		pending = append(pending, message)

		outbound, err := json.Marshal(chatBroadcast{Type: KindChat, Message: message})
		if err != nil {
			s.logger.Error("encode chat broadcast failed", zap.Error(err))
			return buffer, pending
		}
		if message.IsWhisper() {
			// Whispers reach only connections belonging to the sender or
			// the recipient, never the open session.
			for client := range clients {
				if client == sender {
					continue
				}
				if client.UserID == message.SenderID || client.UserID == message.RecipientID {
					client.deliver(outbound)
				}
			}
		} else {
			s.broadcast(clients, sender, outbound)
		}
	default:
		s.broadcast(clients, sender, frame)
	}
	return buffer, pending
}

// broadcast forwards the frame to every connection except the sender.
func (s *Session) broadcast(clients map[*Client]struct{}, sender *Client, frame []byte) {
	for client := range clients {
		if client == sender {
			continue
		}
		client.deliver(frame)
	}
}

// broadcastRoster emits the participant list coalesced by user id, so a user
// with several tabs open appears once.
func (s *Session) broadcastRoster(clients map[*Client]struct{}, except *Client) {
	byUser := make(map[string]presence.User, len(clients))
	for client := range clients {
		byUser[client.UserID] = presence.User{ID: client.UserID, Name: client.DisplayName}
	}
	users := make([]presence.User, 0, len(byUser))
	for _, user := range byUser {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	frame, err := json.Marshal(presenceFrame{Type: KindPresence, Users: users})
	if err != nil {
		s.logger.Error("encode roster failed", zap.Error(err))
		return
	}
	for client := range clients {
		if client == except {
			continue
		}
		client.deliver(frame)
	}
}

func (s *Session) broadcastLeft(clients map[*Client]struct{}, left *Client) {
	frame, err := json.Marshal(participantLeftFrame{
		Type:   KindParticipantLeft,
		UserID: left.UserID,
		Name:   left.DisplayName,
	})
	if err != nil {
		s.logger.Error("encode participant-left failed", zap.Error(err))
		return
	}
	s.broadcast(clients, nil, frame)
}

// sendHistory replays the buffered chat visible to the connecting user:
// public messages plus whispers they sent or received.
func (s *Session) sendHistory(client *Client, buffer []chat.Message) {
	visible := make([]chat.Message, 0, len(buffer))
	for _, message := range buffer {
		if message.IsWhisper() &&
			message.SenderID != client.UserID &&
			message.RecipientID != client.UserID {
			continue
		}
		visible = append(visible, message)
	}
	frame, err := json.Marshal(chatHistoryFrame{Type: KindChatHistory, Messages: visible})
	if err != nil {
		s.logger.Error("encode chat history failed", zap.Error(err))
		return
	}
	client.deliver(frame)
}

// flush hands accumulated chat to the persistor. Failures are logged and the
// batch is dropped; buffered chat durability is at-most-once.
func (s *Session) flush(pending []chat.Message) []chat.Message {
	if s.flusher == nil || len(pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.flusher.Flush(ctx, s.mapID, pending); err != nil {
		s.logger.Warn("chat batch flush failed",
			zap.Int("messages", len(pending)), zap.Error(err))
	}
	return nil
}
