package usecase

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

// MockStore は Store のテスト用モック
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Event), args.Error(1)
}

func (m *MockStore) SaveEvent(ctx context.Context, ev *domain.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockStore) DeleteEvent(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) Events(ctx context.Context) iter.Seq2[*domain.Event, error] {
	args := m.Called(ctx)
	return seqOf(args.Get(0).([]*domain.Event), args.Error(1))
}

func (m *MockStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockStore) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Group), args.Error(1)
}

func (m *MockStore) GroupMembers(ctx context.Context, groupID string) iter.Seq2[*domain.User, error] {
	args := m.Called(ctx, groupID)
	return seqOf(args.Get(0).([]*domain.User), args.Error(1))
}

func (m *MockStore) CalendarsForEvent(ctx context.Context, eventID string) iter.Seq2[*domain.Calendar, error] {
	args := m.Called(ctx, eventID)
	return seqOf(args.Get(0).([]*domain.Calendar), args.Error(1))
}

func (m *MockStore) CalendarsForUser(ctx context.Context, userID string) ([]*domain.Calendar, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Calendar), args.Error(1)
}

func (m *MockStore) PersonalCalendar(ctx context.Context, userID string) (*domain.Calendar, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Calendar), args.Error(1)
}

func (m *MockStore) AddEvent(ctx context.Context, calendarID, eventID string) (bool, error) {
	args := m.Called(ctx, calendarID, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) RemoveEventReferences(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *MockStore) HasRelationship(ctx context.Context, subject, predicate, object string) (bool, error) {
	args := m.Called(ctx, subject, predicate, object)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) AddRelationship(ctx context.Context, subject, predicate, object string) error {
	return m.Called(ctx, subject, predicate, object).Error(0)
}

func (m *MockStore) RemoveRelationship(ctx context.Context, subject, predicate, object string) error {
	return m.Called(ctx, subject, predicate, object).Error(0)
}

func (m *MockStore) HasAccess(ctx context.Context, ev *domain.Event, userID string) (bool, error) {
	args := m.Called(ctx, ev, userID)
	return args.Bool(0), args.Error(1)
}

// MockTransport は Transport のテスト用モック
type MockTransport struct {
	mock.Mock
	channels []string
}

func (m *MockTransport) Channels() []string {
	return m.channels
}

func (m *MockTransport) Dispatch(ctx context.Context, msg domain.Message) error {
	return m.Called(ctx, msg).Error(0)
}

// MockEventSource は EventSource のテスト用モック
type MockEventSource struct {
	mock.Mock
}

func (m *MockEventSource) ListEvents(ctx context.Context, updatedSince time.Time) ([]domain.Event, error) {
	args := m.Called(ctx, updatedSince)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Event), args.Error(1)
}

// keyTranslator はキーと引数をそのまま連結して返す
type keyTranslator struct{}

func (keyTranslator) Translate(key string, args ...any) string {
	parts := []string{key}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, "|")
}

func seqOf[T any](items []T, err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
		if err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

func userCalendar(id, userID string) *domain.Calendar {
	return &domain.Calendar{
		ID:    id,
		Owner: domain.Container{Kind: domain.ContainerUser, ID: userID},
	}
}
