package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/k-negishi/group-calendar-notifier/internal/deferred"
	"github.com/k-negishi/group-calendar-notifier/internal/domain"
)

func TestImportedID(t *testing.T) {
	assert.Equal(t, ImportedID("abc"), ImportedID("abc"))
	assert.NotEqual(t, ImportedID("abc"), ImportedID("abd"))
	assert.Len(t, ImportedID("abc"), 36)
}

func TestImportEvents_Run(t *testing.T) {
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)

	source := new(MockEventSource)
	source.On("ListEvents", mock.Anything, since).Return([]domain.Event{
		{ID: "new", Title: "新規", UpdatedAt: fresh, Schedule: domain.Schedule{Start: fresh, Rule: "FREQ=WEEKLY"}},
		{ID: "changed", Title: "変更", UpdatedAt: fresh},
		{ID: "same", Title: "変更なし", UpdatedAt: old},
		{ID: "gone", Cancelled: true},
		{ID: "never", Cancelled: true},
	}, nil)

	store := new(MockStore)
	store.On("GetGroup", mock.Anything, "g1").Return(&domain.Group{ID: "g1", Name: "読書会"}, nil)
	store.On("GetEvent", mock.Anything, ImportedID("new")).Return(nil, domain.ErrNotFound)
	store.On("GetEvent", mock.Anything, ImportedID("changed")).Return(&domain.Event{
		ID: ImportedID("changed"), UpdatedAt: old, Access: domain.AccessPublic, CanComment: true,
	}, nil)
	store.On("GetEvent", mock.Anything, ImportedID("same")).Return(&domain.Event{
		ID: ImportedID("same"), UpdatedAt: old,
	}, nil)
	store.On("SaveEvent", mock.Anything, mock.MatchedBy(func(ev *domain.Event) bool {
		return ev.ID == ImportedID("new") && ev.Access == domain.AccessMembers &&
			ev.OwnerID == "importer" && ev.Container.IsGroup() && ev.Container.Name == "読書会"
	})).Return(nil).Once()
	store.On("SaveEvent", mock.Anything, mock.MatchedBy(func(ev *domain.Event) bool {
		return ev.ID == ImportedID("changed") && ev.Access == domain.AccessPublic && ev.CanComment
	})).Return(nil).Once()
	// 取り込み元で削除されたイベントは参照ごと消す。未取り込みなら何もしない
	store.On("DeleteEvent", mock.Anything, ImportedID("gone")).Return(nil).Once()
	store.On("RemoveEventReferences", mock.Anything, ImportedID("gone")).Return(nil).Once()
	store.On("DeleteEvent", mock.Anything, ImportedID("never")).Return(fmt.Errorf("イベント %s: %w", ImportedID("never"), domain.ErrNotFound)).Once()
	store.On("PersonalCalendar", mock.Anything, "importer").Return(userCalendar("c-imp", "importer"), nil)
	store.On("AddEvent", mock.Anything, "c-imp", ImportedID("new")).Return(true, nil)

	uc := NewImportEvents(source, store, NewEventService(store), "g1", "importer")
	q := deferred.NewQueue(deferred.NewRegistry())
	res, err := uc.Run(context.Background(), q, since)
	require.NoError(t, err)

	assert.Equal(t, ImportResult{Created: 1, Updated: 1, Unchanged: 1, Deleted: 1}, res)
	assert.Equal(t, []deferred.Task{
		{ID: TaskAutosyncGroupEvent, Args: []any{ImportedID("new"), "g1"}},
		{ID: TaskEventUpdateNotify, Args: []any{ImportedID("changed")}},
	}, q.Tasks())
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "GetEvent", mock.Anything, ImportedID("gone"))
	store.AssertNotCalled(t, "RemoveEventReferences", mock.Anything, ImportedID("never"))
}

func TestImportEvents_Run_DeleteFailure(t *testing.T) {
	source := new(MockEventSource)
	source.On("ListEvents", mock.Anything, time.Time{}).Return([]domain.Event{{ID: "gone", Cancelled: true}}, nil)

	store := new(MockStore)
	store.On("GetGroup", mock.Anything, "g1").Return(&domain.Group{ID: "g1"}, nil)
	store.On("DeleteEvent", mock.Anything, ImportedID("gone")).Return(errors.New("disk full"))

	uc := NewImportEvents(source, store, NewEventService(store), "g1", "importer")
	_, err := uc.Run(context.Background(), deferred.NewQueue(deferred.NewRegistry()), time.Time{})
	assert.ErrorContains(t, err, "disk full")
}
