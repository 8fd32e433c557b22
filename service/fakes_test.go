package service

import (
	"context"
	"sync"
	"testing"
	"time"

	pushModels "homeservice-realtime/data-models/push"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type emitted struct {
	Room    string
	Event   string
	Payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) Emit(_ context.Context, room, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{Room: room, Event: event, Payload: payload})
	return nil
}

func (f *fakeEmitter) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEmitter) rooms(event string) map[string]bool {
	out := make(map[string]bool)
	for _, e := range f.byEvent(event) {
		out[e.Room] = true
	}
	return out
}

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) IsOnline(_ context.Context, p realtime.Participant) bool {
	return f.online[p.Key()]
}

type fakePusher struct {
	mu    sync.Mutex
	tasks []pushModels.Task
}

func (f *fakePusher) Enqueue(_ context.Context, task pushModels.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakePusher) recipients() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, t := range f.tasks {
		out[t.Recipient.Key()] = true
	}
	return out
}

// memoryBookingStore 與 MongoBookingStore 相同的條件更新語意
type memoryBookingStore struct {
	mu       sync.Mutex
	bookings map[string]*model.Booking
}

func newMemoryBookingStore(bookings ...*model.Booking) *memoryBookingStore {
	s := &memoryBookingStore{bookings: make(map[string]*model.Booking)}
	for _, b := range bookings {
		s.bookings[b.ID.Hex()] = b
	}
	return s
}

func (s *memoryBookingStore) copyOf(b *model.Booking) *model.Booking {
	c := *b
	c.OfferedTo = append([]string(nil), b.OfferedTo...)
	c.RejectedBy = append([]string(nil), b.RejectedBy...)
	return &c
}

func (s *memoryBookingStore) Get(_ context.Context, id string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return s.copyOf(b), nil
}

func (s *memoryBookingStore) MarkOffered(_ context.Context, id string, workerIDs []string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if !b.Status.Dispatchable() {
		return nil, classifyMiss(b, "")
	}
	b.Status = model.BookingStatusOffered
	for _, w := range workerIDs {
		if !contains(b.OfferedTo, w) {
			b.OfferedTo = append(b.OfferedTo, w)
		}
	}
	return s.copyOf(b), nil
}

func (s *memoryBookingStore) Claim(_ context.Context, id, workerID string, at time.Time) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if !b.Status.Dispatchable() || !contains(b.OfferedTo, workerID) {
		return nil, classifyMiss(b, workerID)
	}
	b.Status = model.BookingStatusAccepted
	b.WorkerID = workerID
	b.AcceptedAt = &at
	return s.copyOf(b), nil
}

func (s *memoryBookingStore) RecordReject(_ context.Context, id, workerID string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if !b.Status.Dispatchable() || !contains(b.OfferedTo, workerID) {
		return nil, classifyMiss(b, workerID)
	}
	var rest []string
	for _, w := range b.OfferedTo {
		if w != workerID {
			rest = append(rest, w)
		}
	}
	b.OfferedTo = rest
	b.RejectedBy = append(b.RejectedBy, workerID)
	if len(rest) == 0 {
		b.Status = model.BookingStatusPending
	}
	return s.copyOf(b), nil
}

func (s *memoryBookingStore) Close(_ context.Context, id string, status model.BookingStatus) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if !b.Status.Dispatchable() {
		return nil, classifyMiss(b, "")
	}
	b.Status = status
	return s.copyOf(b), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func newTestBooking() *model.Booking {
	return &model.Booking{
		ID:          primitive.NewObjectID(),
		Customer:    realtime.BookingCustomer{ID: "c1", Name: "王小姐"},
		Service:     realtime.BookingService{ID: "s1", Name: "冷氣清洗"},
		Address:     "台北市信義區松仁路 100 號",
		Amount:      2500,
		Currency:    "TWD",
		ScheduledAt: time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC),
		Status:      model.BookingStatusPending,
	}
}

func newTestEventManager(t *testing.T) (*infra.RedisEventManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return infra.NewRedisEventManager(client, zerolog.Nop()), mr
}

func worker(id string) realtime.Participant {
	return realtime.Participant{Role: realtime.RoleWorker, ID: id}
}

func customer(id string) realtime.Participant {
	return realtime.Participant{Role: realtime.RoleCustomer, ID: id}
}

type memoryChatStore struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation // room -> conversation
	messages      []*model.ChatMessage
}

func newMemoryChatStore() *memoryChatStore {
	return &memoryChatStore{conversations: make(map[string]*model.Conversation)}
}

func (s *memoryChatStore) UpsertConversation(_ context.Context, ref realtime.ConversationRef, members []realtime.Participant) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[ref.Room()]
	if !ok {
		conv = &model.Conversation{ID: primitive.NewObjectID(), Ref: ref, Room: ref.Room(), CreatedAt: time.Now()}
		s.conversations[ref.Room()] = conv
	}
	for _, m := range members {
		if !conv.HasParticipant(m) {
			conv.Participants = append(conv.Participants, m)
		}
	}
	c := *conv
	c.Participants = append([]realtime.Participant(nil), conv.Participants...)
	return &c, nil
}

func (s *memoryChatStore) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if conv.ID.Hex() == id {
			c := *conv
			return &c, nil
		}
	}
	return nil, ErrConversationNotFound
}

func (s *memoryChatStore) GetConversationByRoom(_ context.Context, room string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[room]
	if !ok {
		return nil, ErrConversationNotFound
	}
	c := *conv
	return &c, nil
}

func (s *memoryChatStore) ListMessages(_ context.Context, conversationID primitive.ObjectID, before *primitive.ObjectID, limit int) ([]model.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []model.ChatMessage
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && m.ID.Hex() >= before.Hex() {
			continue
		}
		matched = append(matched, *m)
	}
	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[len(matched)-limit:]
	}
	return matched, hasMore, nil
}

func (s *memoryChatStore) InsertMessage(_ context.Context, msg *model.ChatMessage) (*model.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.TempID != nil {
		for _, m := range s.messages {
			if m.ConversationID == msg.ConversationID && m.Sender == msg.Sender && m.TempID != nil && *m.TempID == *msg.TempID {
				c := *m
				return &c, false, nil
			}
		}
	}
	c := *msg
	c.ID = primitive.NewObjectID()
	s.messages = append(s.messages, &c)
	out := c
	return &out, true, nil
}

func (s *memoryChatStore) MarkRead(_ context.Context, conversationID primitive.ObjectID, reader realtime.Participant, at time.Time) ([]primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []primitive.ObjectID
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.Sender == reader {
			continue
		}
		read := false
		for _, r := range m.ReadBy {
			if r.Participant == reader {
				read = true
			}
		}
		if !read {
			m.ReadBy = append(m.ReadBy, model.ReadStatus{Participant: reader, ReadAt: at})
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func support(id string) realtime.Participant {
	return realtime.Participant{Role: realtime.RoleSupport, ID: id}
}
