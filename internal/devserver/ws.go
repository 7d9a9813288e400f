package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"onestop/domain"
	"onestop/realtime"
)

var upgrader = websocket.Upgrader{
	// The dev server is loopback tooling; origin restrictions would only
	// get in the way of local frontends.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func extractWSToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// handleWS upgrades the connection, then dispatches inbound events:
//   - message:send   -> persist, ack canonical message, push message:new
//   - message:mark   -> raise status, push message:update to the sender
//   - message:delete -> soft delete, ack, push message:deleted to both
//   - typing         -> forward to the counterpart
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := extractWSToken(r)
	if tokenStr == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	userID, err := s.tokens.Subject(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	user, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}
	defer conn.Close()

	s.hub.Register(user.ID, client)
	s.broadcastPresence(user.ID, true)
	defer func() {
		s.hub.Unregister(user.ID, client)
		s.broadcastPresence(user.ID, false)
	}()

	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		ctx := context.Background()
		switch ev.Type {
		case realtime.EventMessageSend:
			s.handleSend(ctx, client, user, ev)
		case realtime.EventMessageMark:
			s.handleMark(ctx, user, ev)
		case realtime.EventMessageDelete:
			s.handleDelete(ctx, client, user, ev)
		case realtime.EventTyping:
			s.handleTyping(ctx, user, ev)
		default:
			log.Printf("ws: unknown event %q from user %s", ev.Type, user.ID)
			s.ack(client, ev.Seq, nil, fmt.Errorf("unknown event %q", ev.Type))
		}
	}
}

// ack answers an emit-with-acknowledgement; events without a seq get none.
func (s *Server) ack(c *wsClient, seq int64, data any, opErr error) {
	if seq == 0 {
		return
	}
	ack := realtime.Ack{OK: opErr == nil}
	if opErr != nil {
		ack.Error = opErr.Error()
	} else if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			ack = realtime.Ack{OK: false, Error: "encode ack payload"}
		} else {
			ack.Data = raw
		}
	}
	raw, _ := json.Marshal(ack)
	if err := c.send(realtime.Event{Type: realtime.EventAck, Seq: seq, Data: raw}); err != nil {
		log.Printf("ws: ack write: %v", err)
	}
}

func (s *Server) push(userID, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: encode %s: %v", eventType, err)
		return
	}
	s.hub.SendToUsers([]string{userID}, realtime.Event{Type: eventType, Data: raw})
}

func (s *Server) broadcastPresence(userID string, online bool) {
	raw, _ := json.Marshal(realtime.PresencePayload{UserID: userID, Online: online})
	s.hub.Broadcast(realtime.Event{Type: realtime.EventPresenceUpdate, Data: raw})
}

func (s *Server) handleSend(ctx context.Context, c *wsClient, user domain.UserSummary, ev realtime.Event) {
	var p realtime.MessageSendPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		s.ack(c, ev.Seq, nil, fmt.Errorf("bad payload"))
		return
	}
	body := strings.TrimSpace(p.Body)
	if body == "" {
		s.ack(c, ev.Seq, nil, domain.ErrEmptyMessage)
		return
	}
	conv, err := s.store.ConversationByID(ctx, p.ConversationID)
	if err != nil {
		s.ack(c, ev.Seq, nil, fmt.Errorf("conversation not found"))
		return
	}
	if !conv.HasParticipant(user.ID) {
		s.ack(c, ev.Seq, nil, domain.ErrForbidden)
		return
	}
	other, _ := conv.Other(user.ID)

	msg := &domain.Message{
		ConversationID: conv.ID,
		SenderID:       user.ID,
		RecipientID:    other.ID,
		Body:           body,
		Status:         domain.StatusSent,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		log.Printf("ws: insert message: %v", err)
		s.ack(c, ev.Seq, nil, fmt.Errorf("failed to send message"))
		return
	}

	// The sender's canonical copy is acknowledged at "sent"; delivery is a
	// separate status update, as it would be with a real push path.
	s.ack(c, ev.Seq, msg, nil)

	notif := &domain.Notification{
		Title:   "New message",
		Message: fmt.Sprintf("%s sent you a message", user.Name),
		Tag:     user.Role,
		Link:    "/chat/" + conv.ID,
	}
	if err := s.store.InsertNotification(ctx, other.ID, notif); err != nil {
		log.Printf("ws: insert notification: %v", err)
	} else {
		s.push(other.ID, realtime.EventNotificationNew, notif)
	}

	if !s.hub.Online(other.ID) {
		return
	}
	delivered := *msg
	if raised, err := s.store.RaiseMessageStatus(ctx, msg.ID, domain.StatusDelivered); err == nil && raised {
		delivered.Status = domain.StatusDelivered
	}
	s.push(other.ID, realtime.EventMessageNew, delivered)
	s.push(user.ID, realtime.EventMessageUpdate, realtime.MessageUpdatePayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Status:         domain.StatusDelivered,
	})
}

func (s *Server) handleMark(ctx context.Context, user domain.UserSummary, ev realtime.Event) {
	var p realtime.MessageMarkPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return
	}
	for _, id := range p.MessageIDs {
		msg, err := s.store.MessageByID(ctx, id)
		if err != nil || msg.RecipientID != user.ID {
			continue
		}
		raised, err := s.store.RaiseMessageStatus(ctx, id, p.Status)
		if err != nil || !raised {
			continue
		}
		s.push(msg.SenderID, realtime.EventMessageUpdate, realtime.MessageUpdatePayload{
			MessageID:      id,
			ConversationID: msg.ConversationID,
			Status:         p.Status,
		})
	}
}

func (s *Server) handleDelete(ctx context.Context, c *wsClient, user domain.UserSummary, ev realtime.Event) {
	var p realtime.MessageDeletePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		s.ack(c, ev.Seq, nil, fmt.Errorf("bad payload"))
		return
	}
	msg, err := s.store.MessageByID(ctx, p.MessageID)
	if err != nil {
		s.ack(c, ev.Seq, nil, fmt.Errorf("message not found"))
		return
	}
	if msg.SenderID != user.ID {
		s.ack(c, ev.Seq, nil, domain.ErrForbidden)
		return
	}
	if err := s.store.DeleteMessageForEveryone(ctx, p.MessageID); err != nil {
		log.Printf("ws: delete message: %v", err)
		s.ack(c, ev.Seq, nil, fmt.Errorf("failed to delete message"))
		return
	}
	s.ack(c, ev.Seq, nil, nil)

	deleted := realtime.MessageDeletedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}
	s.push(msg.SenderID, realtime.EventMessageDeleted, deleted)
	s.push(msg.RecipientID, realtime.EventMessageDeleted, deleted)
}

func (s *Server) handleTyping(ctx context.Context, user domain.UserSummary, ev realtime.Event) {
	var p realtime.TypingPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return
	}
	conv, err := s.store.ConversationByID(ctx, p.ConversationID)
	if err != nil || !conv.HasParticipant(user.ID) {
		return
	}
	other, _ := conv.Other(user.ID)
	p.FromUserID = user.ID
	s.push(other.ID, realtime.EventTyping, p)
}
