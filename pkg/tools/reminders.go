package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/store"
)

// Reminder dates look like "25 Dec 2024" and times like "02:30 PM".
// Parsing uses the non-padded layout so "5 Jan 2025" and "9:00 AM" are
// accepted too.
const (
	ReminderDateLayout  = "02 Jan 2006"
	ReminderTimeLayout  = "03:04 PM"
	reminderParseLayout = "2 Jan 2006 3:04 PM"
)

type Reminder struct {
	ID         string
	PairID     string
	Title      string
	Date       string
	Time       string
	CreatedAt  string
	NotifiedAt string
}

func reminderFromRecord(rec store.Record) Reminder {
	return Reminder{
		ID:         rec.String("id"),
		PairID:     rec.String("pair_id"),
		Title:      rec.String("title"),
		Date:       rec.String("date"),
		Time:       rec.String("time"),
		CreatedAt:  rec.String("created_at"),
		NotifiedAt: rec.String("notified_at"),
	}
}

// ParseReminderTime combines a reminder's date and time strings in loc.
func ParseReminderTime(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	clock = strings.ToUpper(strings.TrimSpace(clock))
	at, err := time.ParseInLocation(reminderParseLayout, strings.TrimSpace(date)+" "+clock, loc)
	if err != nil {
		return time.Time{}, err
	}
	// The 12-hour layout also takes "0" and "00" as an hour.
	if hour, _, _ := strings.Cut(clock, ":"); strings.TrimLeft(hour, "0") == "" {
		return time.Time{}, fmt.Errorf("parsing time %q: hour out of range 1-12", clock)
	}
	return at, nil
}

// At is the reminder's scheduled instant.
func (r Reminder) At(loc *time.Location) (time.Time, error) {
	return ParseReminderTime(r.Date, r.Time, loc)
}

// ReminderSource reads reminders for one pair in stored order.
type ReminderSource struct {
	db *store.Client
}

func NewReminderSource(db *store.Client) *ReminderSource {
	return &ReminderSource{db: db}
}

func (s *ReminderSource) ForPair(ctx context.Context, pairID string) ([]Reminder, error) {
	q := s.db.From(store.TableReminders).Select()
	if pairID != "" {
		q = q.Eq("pair_id", pairID)
	}
	res, err := q.Order("date", false).Order("time", false).Execute(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Reminder, 0, len(res.Rows))
	for _, rec := range res.Rows {
		out = append(out, reminderFromRecord(rec))
	}
	return out, nil
}

// Clock supplies "now" for expiry checks.
type Clock func() time.Time

type reminderBase struct {
	source *ReminderSource
	db     *store.Client
	now    Clock
	loc    *time.Location
}

func newReminderBase(db *store.Client, now Clock, loc *time.Location) reminderBase {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return reminderBase{source: NewReminderSource(db), db: db, now: now, loc: loc}
}

func missingArg(name string) *ToolResult {
	return ErrorResult(fmt.Sprintf("Error: missing required argument '%s'", name))
}

// CreateReminderTool stores a new reminder after validating its date and time.
type CreateReminderTool struct {
	reminderBase
}

func NewCreateReminderTool(db *store.Client, now Clock, loc *time.Location) *CreateReminderTool {
	return &CreateReminderTool{reminderBase: newReminderBase(db, now, loc)}
}

func (t *CreateReminderTool) Kind() Kind   { return KindCreateReminder }
func (t *CreateReminderTool) Name() string { return KindCreateReminder.String() }

func (t *CreateReminderTool) Description() string {
	return "Create a reminder for the patient when they ask to be reminded of something. " +
		"Date must be 'dd MMM yyyy' (e.g. '25 Dec 2024') and time 'hh:mm AM/PM' (e.g. '02:30 PM')."
}

func (t *CreateReminderTool) Parameters() map[string]interface{} {
	return objectSchema([]string{"pair_id", "title", "date", "time"}, map[string]interface{}{
		"pair_id": stringProp("The patient-caregiver pair ID"),
		"title":   stringProp("What to remind about, e.g. 'Take medicine'"),
		"date":    stringProp("Date as 'dd MMM yyyy', e.g. '01 Jan 2025'"),
		"time":    stringProp("Time as 'hh:mm AM/PM', e.g. '08:00 PM'"),
	})
}

func (t *CreateReminderTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	pairID, ok := stringArg(args, "pair_id")
	if !ok {
		return missingArg("pair_id")
	}
	title, ok := stringArg(args, "title")
	if !ok {
		return missingArg("title")
	}
	date, _ := stringArg(args, "date")
	clock, _ := stringArg(args, "time")

	logger.InfoCF("reminders", "Creating reminder", map[string]interface{}{
		"title": title,
		"date":  date,
		"time":  clock,
	})

	if _, err := ParseReminderTime(date, clock, t.loc); err != nil {
		return ErrorResult(fmt.Sprintf("Error: Invalid date/time format. Please use 'dd MMM yyyy' for date and 'hh:mm AM/PM' for time. Error: %v", err)).WithError(err)
	}

	row, err := t.db.From(store.TableReminders).Insert(ctx, store.Record{
		"pair_id": pairID,
		"title":   title,
		"date":    date,
		"time":    clock,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: Failed to create reminder - %v", err)).WithError(err)
	}
	if len(row) == 0 {
		return ErrorResult("Error: Failed to create reminder in database")
	}

	logger.InfoCF("reminders", "Reminder created", map[string]interface{}{"id": row.String("id")})
	return NewToolResult(fmt.Sprintf("Reminder created successfully! I'll remind you about '%s' on %s at %s.", title, date, clock))
}

// ListRemindersTool lists a pair's reminders that are still ahead.
type ListRemindersTool struct {
	reminderBase
}

func NewListRemindersTool(db *store.Client, now Clock, loc *time.Location) *ListRemindersTool {
	return &ListRemindersTool{reminderBase: newReminderBase(db, now, loc)}
}

func (t *ListRemindersTool) Kind() Kind   { return KindListReminders }
func (t *ListRemindersTool) Name() string { return KindListReminders.String() }

func (t *ListRemindersTool) Description() string {
	return "List the patient's upcoming reminders when they ask what is scheduled."
}

func (t *ListRemindersTool) Parameters() map[string]interface{} {
	return objectSchema([]string{"pair_id"}, map[string]interface{}{
		"pair_id": stringProp("The patient-caregiver pair ID"),
	})
}

type datedReminder struct {
	Reminder
	at time.Time
}

// Upcoming returns reminders at or after now, soonest first. Rows whose
// date or time no longer parse are skipped.
func Upcoming(reminders []Reminder, now time.Time, loc *time.Location) []Reminder {
	dated := make([]datedReminder, 0, len(reminders))
	for _, r := range reminders {
		at, err := r.At(loc)
		if err != nil {
			continue
		}
		if at.Before(now) {
			continue
		}
		dated = append(dated, datedReminder{Reminder: r, at: at})
	}
	// Stored "dd Mon yyyy" strings do not sort chronologically.
	sort.SliceStable(dated, func(i, j int) bool { return dated[i].at.Before(dated[j].at) })

	out := make([]Reminder, len(dated))
	for i, d := range dated {
		out[i] = d.Reminder
	}
	return out
}

func (t *ListRemindersTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	pairID, ok := stringArg(args, "pair_id")
	if !ok {
		return missingArg("pair_id")
	}

	all, err := t.source.ForPair(ctx, pairID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: Failed to fetch reminders - %v", err)).WithError(err)
	}
	if len(all) == 0 {
		return NewToolResult("You don't have any reminders set right now.")
	}

	upcoming := Upcoming(all, t.now(), t.loc)
	if len(upcoming) == 0 {
		return NewToolResult("All your reminders have passed. You don't have any upcoming reminders.")
	}

	lines := make([]string, 0, len(upcoming))
	for i, r := range upcoming {
		lines = append(lines, fmt.Sprintf("%d. %s - %s at %s", i+1, r.Title, r.Date, r.Time))
	}
	return NewToolResult(fmt.Sprintf("You have %d upcoming reminder(s):\n", len(upcoming)) + strings.Join(lines, "\n"))
}

// DeleteReminderTool removes the single reminder whose title contains a fragment.
type DeleteReminderTool struct {
	reminderBase
}

func NewDeleteReminderTool(db *store.Client) *DeleteReminderTool {
	return &DeleteReminderTool{reminderBase: newReminderBase(db, nil, nil)}
}

func (t *DeleteReminderTool) Kind() Kind   { return KindDeleteReminder }
func (t *DeleteReminderTool) Name() string { return KindDeleteReminder.String() }

func (t *DeleteReminderTool) Description() string {
	return "Delete a reminder when the patient asks to cancel or remove one. Match by part of its title."
}

func (t *DeleteReminderTool) Parameters() map[string]interface{} {
	return objectSchema([]string{"pair_id", "reminder_title"}, map[string]interface{}{
		"pair_id":        stringProp("The patient-caregiver pair ID"),
		"reminder_title": stringProp("The title, or part of the title, of the reminder to delete"),
	})
}

func (t *DeleteReminderTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	pairID, ok := stringArg(args, "pair_id")
	if !ok {
		return missingArg("pair_id")
	}
	fragment, ok := stringArg(args, "reminder_title")
	if !ok {
		return missingArg("reminder_title")
	}

	all, err := t.source.ForPair(ctx, pairID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: Failed to delete reminder - %v", err)).WithError(err)
	}
	if len(all) == 0 {
		return NewToolResult("You don't have any reminders to delete.")
	}

	needle := strings.ToLower(fragment)
	var matches []Reminder
	for _, r := range all {
		if strings.Contains(strings.ToLower(r.Title), needle) {
			matches = append(matches, r)
		}
	}

	switch len(matches) {
	case 0:
		return NewToolResult(fmt.Sprintf("I couldn't find a reminder matching '%s'. Please check the reminder title and try again.", fragment))
	case 1:
	default:
		titles := make([]string, len(matches))
		for i, m := range matches {
			titles[i] = m.Title
		}
		return NewToolResult(fmt.Sprintf("Found multiple reminders matching '%s': %s. Please be more specific.", fragment, strings.Join(titles, ", ")))
	}

	target := matches[0]
	if _, err := t.db.From(store.TableReminders).Delete().Eq("id", target.ID).Execute(ctx); err != nil {
		return ErrorResult(fmt.Sprintf("Error: Failed to delete reminder - %v", err)).WithError(err)
	}

	logger.InfoCF("reminders", "Reminder deleted", map[string]interface{}{"id": target.ID})
	return NewToolResult(fmt.Sprintf("I've deleted the reminder '%s' scheduled for %s at %s.", target.Title, target.Date, target.Time))
}
