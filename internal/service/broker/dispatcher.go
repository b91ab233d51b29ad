package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/room"
	"github.com/zhouzirui/chatrelay/backend/internal/service/session"
	"github.com/zhouzirui/chatrelay/backend/internal/store"
)

const tracerName = "github.com/zhouzirui/chatrelay/backend/internal/service/broker"

// Dispatcher applies inbound protocol events to the session registry, the
// room router and the message store, and emits the resulting outbound events.
// Calls for one connection must be made sequentially; different connections
// may call concurrently.
type Dispatcher struct {
	sessions *session.Registry
	rooms    *room.Router
	store    store.Store
	validate *validator.Validate
	log      *slog.Logger
	tracer   trace.Tracer
}

// New wires a dispatcher around its collaborators.
func New(sessions *session.Registry, rooms *room.Router, st store.Store, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		rooms:    rooms,
		store:    st,
		validate: newValidator(),
		log:      log,
		tracer:   otel.Tracer(tracerName),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Connect registers a freshly opened connection for delivery.
func (d *Dispatcher) Connect(conn room.Connection) {
	d.rooms.Attach(conn)
}

// Dispatch decodes one inbound envelope and runs the matching operation.
// Validation failures are logged at warn and persistence failures at error;
// neither produces a broadcast.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, env chat.Envelope) error {
	err := d.dispatch(ctx, connID, env)
	switch {
	case err == nil:
	case chat.IsValidation(err), errors.Is(err, chat.ErrUnknownEvent):
		d.log.Warn("event rejected", "connID", connID, "event", env.Event, "error", err)
	default:
		d.log.Error("event failed", "connID", connID, "event", env.Event, "error", err)
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, connID string, env chat.Envelope) error {
	switch env.Event {
	case chat.EventJoin:
		var p chat.JoinPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		_, err := d.Join(ctx, connID, p)
		return err
	case chat.EventJoinRoom:
		var p chat.JoinRoomPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		return d.JoinRoom(ctx, connID, p)
	case chat.EventChatMessage:
		var p chat.ChatMessagePayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		_, err := d.ChatMessage(ctx, connID, p)
		return err
	case chat.EventTyping:
		var p chat.TypingPayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		return d.Typing(ctx, connID, p)
	case chat.EventReadMessage:
		var p chat.ReadMessagePayload
		if err := decode(env.Data, &p); err != nil {
			return err
		}
		_, err := d.ReadMessage(ctx, connID, p)
		return err
	default:
		return fmt.Errorf("%w: %q", chat.ErrUnknownEvent, env.Event)
	}
}

// Join binds the connection to a display name and announces it online.
func (d *Dispatcher) Join(ctx context.Context, connID string, p chat.JoinPayload) (s chat.Session, err error) {
	ctx, span := d.start(ctx, chat.EventJoin, connID)
	defer func() { finish(span, err) }()

	p.Username = strings.TrimSpace(p.Username)
	if err := d.check(p); err != nil {
		return chat.Session{}, err
	}

	res, err := d.sessions.Join(connID, p.Username)
	if err != nil {
		return chat.Session{}, err
	}
	if res.Released != nil {
		d.savePresence(ctx, *res.Released)
		if err := d.announce(*res.Released); err != nil {
			return res.Session, err
		}
	}
	d.savePresence(ctx, res.Session)
	d.log.Info("user joined", "connID", connID, "username", res.Session.DisplayName)
	return res.Session, d.announce(res.Session)
}

// JoinRoom adds the connection to a room without notifying anyone.
func (d *Dispatcher) JoinRoom(ctx context.Context, connID string, p chat.JoinRoomPayload) (err error) {
	_, span := d.start(ctx, chat.EventJoinRoom, connID)
	defer func() { finish(span, err) }()

	p.Room = strings.TrimSpace(p.Room)
	if err := d.check(p); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("chat.room", p.Room))
	return d.rooms.JoinRoom(connID, p.Room)
}

// ChatMessage persists the message and, only once it is durable, broadcasts
// it to the room. A store failure drops the message.
func (d *Dispatcher) ChatMessage(ctx context.Context, connID string, p chat.ChatMessagePayload) (msg chat.Message, err error) {
	ctx, span := d.start(ctx, chat.EventChatMessage, connID)
	defer func() { finish(span, err) }()

	p.Room = strings.TrimSpace(p.Room)
	if p.Room == "" {
		p.Room = chat.DefaultRoom
	}
	p.From = strings.TrimSpace(p.From)
	p.To = strings.TrimSpace(p.To)
	if err := d.check(p); err != nil {
		return chat.Message{}, err
	}
	span.SetAttributes(attribute.String("chat.room", p.Room))

	// The write completes even if the sender goes away meanwhile.
	msg, err = d.store.CreateMessage(context.WithoutCancel(ctx), chat.NewMessage{
		Room: p.Room,
		From: p.From,
		To:   p.To,
		Text: p.Text,
	})
	if err != nil {
		return chat.Message{}, err
	}

	n, err := d.rooms.Broadcast(msg.Room, chat.EventChatMessage, msg, "")
	if err != nil {
		return msg, err
	}
	d.log.Debug("message delivered", "connID", connID, "room", msg.Room, "messageID", msg.ID, "recipients", n)
	return msg, nil
}

// Typing relays a typing indicator to the room, excluding the sender.
func (d *Dispatcher) Typing(ctx context.Context, connID string, p chat.TypingPayload) (err error) {
	_, span := d.start(ctx, chat.EventTyping, connID)
	defer func() { finish(span, err) }()

	p.Room = strings.TrimSpace(p.Room)
	p.Username = strings.TrimSpace(p.Username)
	if err := d.check(p); err != nil {
		return err
	}
	_, err = d.rooms.Broadcast(p.Room, chat.EventTyping, chat.TypingEvent{Username: p.Username}, connID)
	return err
}

// ReadMessage records a read receipt and notifies every connection. The
// notification goes out even when the id is unknown or the store fails.
func (d *Dispatcher) ReadMessage(ctx context.Context, connID string, p chat.ReadMessagePayload) (found bool, err error) {
	ctx, span := d.start(ctx, chat.EventReadMessage, connID)
	defer func() { finish(span, err) }()

	p.MessageID = strings.TrimSpace(p.MessageID)
	p.Username = strings.TrimSpace(p.Username)
	if err := d.check(p); err != nil {
		return false, err
	}

	found, storeErr := d.store.MarkRead(context.WithoutCancel(ctx), p.MessageID, p.Username)
	if !found && storeErr == nil {
		d.log.Debug("read receipt for unknown message", "connID", connID, "messageID", p.MessageID)
	}

	_, err = d.rooms.BroadcastAll(chat.EventMessageRead, chat.MessageReadEvent{
		MessageID: p.MessageID,
		Username:  p.Username,
	})
	return found, errors.Join(storeErr, err)
}

// Disconnect releases everything held by the connection and, if it had
// joined, announces the user offline. It reports whether a session existed.
func (d *Dispatcher) Disconnect(ctx context.Context, connID string) (s chat.Session, ok bool, err error) {
	ctx, span := d.start(ctx, "disconnect", connID)
	defer func() { finish(span, err) }()

	s, ok = d.sessions.Leave(connID)
	d.rooms.Detach(connID)
	if !ok {
		return chat.Session{}, false, nil
	}

	d.savePresence(context.WithoutCancel(ctx), s)
	d.log.Info("user left", "connID", connID, "username", s.DisplayName)
	return s, true, d.announce(s)
}

// OnlineUsers lists the display names currently online.
func (d *Dispatcher) OnlineUsers() []string {
	return d.sessions.Online()
}

func (d *Dispatcher) announce(s chat.Session) error {
	_, err := d.rooms.BroadcastAll(chat.EventPresence, chat.PresenceEvent{
		Username: s.DisplayName,
		Online:   s.Online,
	})
	return err
}

// savePresence mirrors the registry into the store. The registry is
// authoritative, so a failed write is logged and otherwise ignored.
func (d *Dispatcher) savePresence(ctx context.Context, s chat.Session) {
	if err := d.store.SavePresence(ctx, chat.UserFromSession(s)); err != nil {
		d.log.Error("save presence failed", "username", s.DisplayName, "online", s.Online, "error", err)
	}
}

func (d *Dispatcher) check(payload any) error {
	err := d.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag()
		switch fe.Tag() {
		case "required":
			reason = "is required"
		case "max":
			reason = "exceeds " + fe.Param() + " characters"
		}
		return &chat.ValidationError{Field: fe.Field(), Reason: reason}
	}
	return err
}

func (d *Dispatcher) start(ctx context.Context, event, connID string) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "broker."+event, trace.WithAttributes(
		attribute.String("chat.event", event),
		attribute.String("chat.conn_id", connID),
	))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &chat.ValidationError{Field: "data", Reason: "malformed payload: " + err.Error()}
	}
	return nil
}
