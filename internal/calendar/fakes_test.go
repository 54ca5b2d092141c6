package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daybook/calsync/internal/storage/models"
)

type memSettings struct {
	mu    sync.Mutex
	users map[string]*models.UserCalendar
}

func newMemSettings() *memSettings {
	return &memSettings{users: make(map[string]*models.UserCalendar)}
}

func (m *memSettings) put(s models.CalendarSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[s.UserID] = &models.UserCalendar{UserID: s.UserID, Email: s.UserID + "@example.com", Settings: s}
}

func (m *memSettings) get(userID string) models.CalendarSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Settings
}

func (m *memSettings) FindUserSettings(_ context.Context, userID string) (*models.CalendarSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	s := u.Settings
	return &s, nil
}

func (m *memSettings) UpdateUserSettings(_ context.Context, userID string, upd models.CalendarSettingsUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("calendar settings not found: %s", userID)
	}
	s := &u.Settings
	if upd.Enabled != nil {
		s.Enabled = *upd.Enabled
	}
	if upd.SourceURL != nil {
		s.SourceURL = *upd.SourceURL
	}
	if upd.SyncIntervalPreset != nil {
		s.SyncIntervalPreset = *upd.SyncIntervalPreset
	}
	if upd.LastSyncedAt != nil {
		if upd.LastSyncedAt.IsZero() {
			s.LastSyncedAt = nil
		} else {
			t := *upd.LastSyncedAt
			s.LastSyncedAt = &t
		}
	}
	s.LastSyncError = applyString(s.LastSyncError, upd.LastSyncError)
	s.EntityTag = applyString(s.EntityTag, upd.EntityTag)
	s.LastModified = applyString(s.LastModified, upd.LastModified)
	return nil
}

func applyString(cur, upd *string) *string {
	if upd == nil {
		return cur
	}
	if *upd == "" {
		return nil
	}
	v := *upd
	return &v
}

func (m *memSettings) FindUsersWithCalendarSettings(context.Context) ([]models.UserCalendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UserCalendar, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memSettings) TryLock(_ context.Context, userID string, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	if held := u.Settings.SyncLockedAt; held != nil && !held.Before(staleBefore) {
		return false, nil
	}
	t := now
	u.Settings.SyncLockedAt = &t
	return true, nil
}

func (m *memSettings) Unlock(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Settings.SyncLockedAt = nil
	}
	return nil
}

type memEvents struct {
	mu        sync.Mutex
	rows      map[string]models.CalendarEvent
	seq       int
	creates   int
	failAfter int // fail creates once this many succeeded; 0 disables
}

func newMemEvents() *memEvents {
	return &memEvents{rows: make(map[string]models.CalendarEvent)}
}

func (m *memEvents) FindCalendarEvents(_ context.Context, userID, source string, start, end time.Time) ([]models.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CalendarEvent
	for _, e := range m.rows {
		if e.UserID == userID && e.Source == source && !e.StartsAt.Before(start) && !e.StartsAt.After(end) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (m *memEvents) CreateCalendarEvent(_ context.Context, e *models.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter > 0 && m.creates >= m.failAfter {
		return errors.New("disk full")
	}
	m.seq++
	m.creates++
	e.ID = fmt.Sprintf("row-%d", m.seq)
	m.rows[e.ID] = *e
	return nil
}

func (m *memEvents) UpdateCalendarEvent(_ context.Context, existing *models.CalendarEvent, f models.CalendarEventFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[existing.ID]
	if !ok {
		return fmt.Errorf("event not found: %s", existing.ID)
	}
	row.Title, row.EndsAt, row.IsAllDay, row.Location, row.Description = f.Title, f.EndsAt, f.IsAllDay, f.Location, f.Description
	m.rows[row.ID] = row
	*existing = row
	return nil
}

func (m *memEvents) DeleteCalendarEventsByIDs(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.rows[id]; ok {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memEvents) DeleteCalendarEventsOutsideRange(_ context.Context, userID, source string, start, end time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.rows {
		if e.UserID == userID && e.Source == source && (e.StartsAt.Before(start) || e.StartsAt.After(end)) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memEvents) byUID(userID string) map[string]models.CalendarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.CalendarEvent)
	for _, e := range m.rows {
		if e.UserID == userID && e.ExternalUID != nil {
			out[*e.ExternalUID+"@"+e.StartsAt.UTC().Format(time.RFC3339)] = e
		}
	}
	return out
}

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// stubFeed serves feeds by URL. A feed with an entity tag answers a
// matching conditional request with "not modified".
type stubFeed struct {
	mu    sync.Mutex
	feeds map[string]stubResponse
	calls int
}

type stubResponse struct {
	body string
	etag string
	err  error
}

func newStubFeed() *stubFeed {
	return &stubFeed{feeds: make(map[string]stubResponse)}
}

func (f *stubFeed) set(url string, r stubResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[url] = r
}

func (f *stubFeed) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *stubFeed) Fetch(_ context.Context, rawURL string, cache CacheMetadata) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r, ok := f.feeds[rawURL]
	if !ok {
		return nil, &FetchError{Origin: redactURL(rawURL), Err: fmt.Errorf("%w: 404", ErrUnexpectedStatus)}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.etag != "" && cache.EntityTag == r.etag {
		return &FetchResult{StatusCode: 304, NotModified: true, EntityTag: r.etag}, nil
	}
	return &FetchResult{StatusCode: 200, Body: []byte(r.body), EntityTag: r.etag}, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []models.SyncResult
	failed    []string
	sweeps    []models.SweepSummary
}

func (n *recordingNotifier) SyncCompleted(r models.SyncResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, r)
}

func (n *recordingNotifier) SyncFailed(userID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, userID+": "+message)
}

func (n *recordingNotifier) SweepCompleted(s models.SweepSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sweeps = append(n.sweeps, s)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// feedEvent is a VEVENT written by icsFeed.
type feedEvent struct {
	uid, title string
	start      time.Time
	length     time.Duration
	location   string
}

func icsFeed(events ...feedEvent) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//feed//EN\r\n")
	for _, e := range events {
		length := e.length
		if length == 0 {
			length = time.Hour
		}
		b.WriteString("BEGIN:VEVENT\r\n")
		if e.uid != "" {
			fmt.Fprintf(&b, "UID:%s\r\n", e.uid)
		}
		fmt.Fprintf(&b, "SUMMARY:%s\r\n", e.title)
		if e.location != "" {
			fmt.Fprintf(&b, "LOCATION:%s\r\n", e.location)
		}
		fmt.Fprintf(&b, "DTSTART:%s\r\n", e.start.UTC().Format("20060102T150405Z"))
		fmt.Fprintf(&b, "DTEND:%s\r\n", e.start.Add(length).UTC().Format("20060102T150405Z"))
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}
