package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognianchor/cognianchor/pkg/store"
)

var fixedNow = time.Date(2030, time.June, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func newTestStore(t *testing.T) *store.Client {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewClient(db)
}

// failingExecutor fails every operation with err.
type failingExecutor struct {
	err error
}

func (f failingExecutor) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	return nil, f.err
}

func (f failingExecutor) Run(ctx context.Context, q store.Query) (store.Result, error) {
	return store.Result{}, f.err
}

// emptyInsertExecutor accepts inserts but returns no row.
type emptyInsertExecutor struct{}

func (emptyInsertExecutor) Insert(ctx context.Context, table string, rec store.Record) (store.Record, error) {
	return nil, nil
}

func (emptyInsertExecutor) Run(ctx context.Context, q store.Query) (store.Result, error) {
	return store.Result{}, nil
}

func seedReminder(t *testing.T, db *store.Client, pairID, title, date, clock string) {
	t.Helper()
	_, err := db.From(store.TableReminders).Insert(context.Background(), store.Record{
		"pair_id": pairID,
		"title":   title,
		"date":    date,
		"time":    clock,
	})
	require.NoError(t, err)
}

func countReminders(t *testing.T, db *store.Client) int {
	t.Helper()
	res, err := db.From(store.TableReminders).Select().Execute(context.Background())
	require.NoError(t, err)
	return len(res.Rows)
}

func TestCreateReminder_Success(t *testing.T) {
	db := newTestStore(t)
	tool := NewCreateReminderTool(db, fixedClock, time.UTC)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"pair_id": "pair-1",
		"title":   "Take medicine",
		"date":    "16 Jun 2030",
		"time":    "08:00 PM",
	})

	require.False(t, result.IsError, result.ForLLM)
	assert.Equal(t, "Reminder created successfully! I'll remind you about 'Take medicine' on 16 Jun 2030 at 08:00 PM.", result.ForLLM)
	assert.Equal(t, 1, countReminders(t, db))
}

func TestCreateReminder_InvalidDateTouchesNothing(t *testing.T) {
	db := newTestStore(t)
	tool := NewCreateReminderTool(db, fixedClock, time.UTC)

	for _, args := range []map[string]interface{}{
		{"pair_id": "pair-1", "title": "Pills", "date": "2030-06-16", "time": "08:00 PM"},
		{"pair_id": "pair-1", "title": "Pills", "date": "16 Jun 2030", "time": "20:00"},
		{"pair_id": "pair-1", "title": "Pills", "date": "31 Feb 2030", "time": "08:00 AM"},
		{"pair_id": "pair-1", "title": "Pills", "date": "25 Dec 2030", "time": "00:30 AM"},
		{"pair_id": "pair-1", "title": "Pills", "date": "25 Dec 2030", "time": "0:30 PM"},
	} {
		result := tool.Execute(context.Background(), args)
		require.True(t, result.IsError)
		assert.Contains(t, result.ForLLM, "Error: Invalid date/time format. Please use 'dd MMM yyyy' for date and 'hh:mm AM/PM' for time. Error: ")
	}
	assert.Equal(t, 0, countReminders(t, db))
}

func TestParseReminderTime_HourRange(t *testing.T) {
	_, err := ParseReminderTime("25 Dec 2024", "00:30 AM", time.UTC)
	assert.Error(t, err)

	at, err := ParseReminderTime("25 Dec 2024", "12:30 AM", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 0, at.Hour())

	at, err = ParseReminderTime("25 Dec 2024", "12:05 pm", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 12, at.Hour())
}

func TestCreateReminder_AcceptsLowercaseMeridiemAndUnpaddedDay(t *testing.T) {
	db := newTestStore(t)
	tool := NewCreateReminderTool(db, fixedClock, time.UTC)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"pair_id": "pair-1",
		"title":   "Walk",
		"date":    "5 Jul 2030",
		"time":    "9:15 am",
	})
	assert.False(t, result.IsError, result.ForLLM)
}

func TestCreateReminder_StorageFailures(t *testing.T) {
	failing := store.NewClient(failingExecutor{err: errors.New("connection refused")})
	result := NewCreateReminderTool(failing, fixedClock, time.UTC).Execute(context.Background(), map[string]interface{}{
		"pair_id": "pair-1", "title": "Pills", "date": "16 Jun 2030", "time": "08:00 PM",
	})
	assert.Equal(t, "Error: Failed to create reminder - connection refused", result.ForLLM)

	empty := store.NewClient(emptyInsertExecutor{})
	result = NewCreateReminderTool(empty, fixedClock, time.UTC).Execute(context.Background(), map[string]interface{}{
		"pair_id": "pair-1", "title": "Pills", "date": "16 Jun 2030", "time": "08:00 PM",
	})
	assert.Equal(t, "Error: Failed to create reminder in database", result.ForLLM)
}

func TestCreateReminder_MissingTitle(t *testing.T) {
	db := newTestStore(t)
	result := NewCreateReminderTool(db, fixedClock, time.UTC).Execute(context.Background(), map[string]interface{}{
		"pair_id": "pair-1", "date": "16 Jun 2030", "time": "08:00 PM",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "title")
}

func TestListReminders_Empty(t *testing.T) {
	db := newTestStore(t)
	result := NewListRemindersTool(db, fixedClock, time.UTC).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1"})
	assert.Equal(t, "You don't have any reminders set right now.", result.ForLLM)
}

func TestListReminders_AllPassed(t *testing.T) {
	db := newTestStore(t)
	seedReminder(t, db, "pair-1", "Old", "01 Jan 2020", "08:00 AM")
	seedReminder(t, db, "pair-1", "Broken", "someday", "soon")

	result := NewListRemindersTool(db, fixedClock, time.UTC).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1"})
	assert.Equal(t, "All your reminders have passed. You don't have any upcoming reminders.", result.ForLLM)
	assert.Equal(t, 2, countReminders(t, db), "expired and unparsable rows are never deleted")
}

func TestListReminders_UpcomingChronological(t *testing.T) {
	db := newTestStore(t)
	// Lexical order of these dates differs from chronological order.
	seedReminder(t, db, "pair-1", "Dentist", "02 Jul 2030", "10:00 AM")
	seedReminder(t, db, "pair-1", "Pills", "20 Jun 2030", "08:00 PM")
	seedReminder(t, db, "pair-1", "Lunch", "15 Jun 2030", "12:00 PM")
	seedReminder(t, db, "pair-1", "Past", "15 Jun 2030", "11:59 AM")
	seedReminder(t, db, "pair-2", "Not mine", "20 Jun 2030", "08:00 PM")

	result := NewListRemindersTool(db, fixedClock, time.UTC).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1"})

	want := "You have 3 upcoming reminder(s):\n" +
		"1. Lunch - 15 Jun 2030 at 12:00 PM\n" +
		"2. Pills - 20 Jun 2030 at 08:00 PM\n" +
		"3. Dentist - 02 Jul 2030 at 10:00 AM"
	assert.Equal(t, want, result.ForLLM)
}

func TestListReminders_StorageFailure(t *testing.T) {
	failing := store.NewClient(failingExecutor{err: errors.New("timeout")})
	result := NewListRemindersTool(failing, fixedClock, time.UTC).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1"})
	assert.Equal(t, "Error: Failed to fetch reminders - timeout", result.ForLLM)
}

func TestDeleteReminder_NoReminders(t *testing.T) {
	db := newTestStore(t)
	result := NewDeleteReminderTool(db).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1", "reminder_title": "pills"})
	assert.Equal(t, "You don't have any reminders to delete.", result.ForLLM)
}

func TestDeleteReminder_NotFound(t *testing.T) {
	db := newTestStore(t)
	seedReminder(t, db, "pair-1", "Take medicine", "16 Jun 2030", "08:00 PM")

	result := NewDeleteReminderTool(db).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1", "reminder_title": "dentist"})
	assert.Equal(t, "I couldn't find a reminder matching 'dentist'. Please check the reminder title and try again.", result.ForLLM)
	assert.Equal(t, 1, countReminders(t, db))
}

func TestDeleteReminder_AmbiguousDeletesNothing(t *testing.T) {
	db := newTestStore(t)
	seedReminder(t, db, "pair-1", "Take morning pills", "16 Jun 2030", "08:00 AM")
	seedReminder(t, db, "pair-1", "Take evening pills", "16 Jun 2030", "08:00 PM")

	result := NewDeleteReminderTool(db).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1", "reminder_title": "PILLS"})
	assert.Equal(t, "Found multiple reminders matching 'PILLS': Take morning pills, Take evening pills. Please be more specific.", result.ForLLM)
	assert.Equal(t, 2, countReminders(t, db))
}

func TestDeleteReminder_ExactlyOneMatch(t *testing.T) {
	db := newTestStore(t)
	seedReminder(t, db, "pair-1", "Take medicine", "16 Jun 2030", "08:00 PM")
	seedReminder(t, db, "pair-1", "Doctor appointment", "17 Jun 2030", "02:30 PM")
	seedReminder(t, db, "pair-2", "Take medicine", "16 Jun 2030", "08:00 PM")

	result := NewDeleteReminderTool(db).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1", "reminder_title": "Medicine"})
	assert.Equal(t, "I've deleted the reminder 'Take medicine' scheduled for 16 Jun 2030 at 08:00 PM.", result.ForLLM)
	assert.Equal(t, 2, countReminders(t, db), "other pair's reminder must survive")
}

func TestDeleteReminder_StorageFailure(t *testing.T) {
	failing := store.NewClient(failingExecutor{err: errors.New("disk I/O error")})
	result := NewDeleteReminderTool(failing).Execute(context.Background(), map[string]interface{}{"pair_id": "pair-1", "reminder_title": "x"})
	assert.Equal(t, "Error: Failed to delete reminder - disk I/O error", result.ForLLM)
}

func TestReminderTools_CreateListDeleteList(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	create := NewCreateReminderTool(db, fixedClock, time.UTC)
	list := NewListRemindersTool(db, fixedClock, time.UTC)
	del := NewDeleteReminderTool(db)

	for _, args := range []map[string]interface{}{
		{"pair_id": "pair-1", "title": "Take medicine", "date": "16 Jun 2030", "time": "08:00 PM"},
		{"pair_id": "pair-1", "title": "Call Anna", "date": "18 Jun 2030", "time": "10:30 AM"},
	} {
		result := create.Execute(ctx, args)
		require.False(t, result.IsError, result.ForLLM)
	}

	listed := list.Execute(ctx, map[string]interface{}{"pair_id": "pair-1"}).ForLLM
	assert.Equal(t, 1, strings.Count(listed, "Take medicine"))
	assert.Contains(t, listed, "1. Take medicine - 16 Jun 2030 at 08:00 PM")
	assert.Contains(t, listed, "2. Call Anna - 18 Jun 2030 at 10:30 AM")

	deleted := del.Execute(ctx, map[string]interface{}{"pair_id": "pair-1", "reminder_title": "medicine"})
	require.False(t, deleted.IsError, deleted.ForLLM)
	assert.Equal(t, "I've deleted the reminder 'Take medicine' scheduled for 16 Jun 2030 at 08:00 PM.", deleted.ForLLM)

	listed = list.Execute(ctx, map[string]interface{}{"pair_id": "pair-1"}).ForLLM
	assert.NotContains(t, listed, "Take medicine")
	assert.Equal(t, "You have 1 upcoming reminder(s):\n1. Call Anna - 18 Jun 2030 at 10:30 AM", listed)
}

func TestUpcoming_SkipsUnparsable(t *testing.T) {
	got := Upcoming([]Reminder{
		{Title: "bad", Date: "tomorrow", Time: "noon"},
		{Title: "ok", Date: "16 Jun 2030", Time: "01:00 AM"},
	}, fixedNow, time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Title)
}
