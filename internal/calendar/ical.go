package calendar

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxEvents bounds parser output when ParseOptions.MaxEvents is unset.
const DefaultMaxEvents = 2000

// ParsedEvent is one normalized occurrence read from a feed. UID is empty
// when the feed omits it.
type ParsedEvent struct {
	UID         string
	Title       string
	StartsAt    time.Time
	EndsAt      time.Time
	IsAllDay    bool
	Location    string
	Description string
}

// ParseOptions controls a single Parse call. When both ExpandFrom and
// ExpandUntil are set, recurring events are expanded into the occurrences
// that start within [ExpandFrom, ExpandUntil].
type ParseOptions struct {
	MaxEvents   int
	ExpandFrom  time.Time
	ExpandUntil time.Time
}

func (o ParseOptions) expanding() bool {
	return !o.ExpandFrom.IsZero() && !o.ExpandUntil.IsZero() && !o.ExpandUntil.Before(o.ExpandFrom)
}

// Parser parses ICS feeds with a fixed output cap.
type Parser struct {
	MaxEvents int
}

// NewParser creates a Parser. A non-positive maxEvents selects DefaultMaxEvents.
func NewParser(maxEvents int) *Parser {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Parser{MaxEvents: maxEvents}
}

// Parse parses raw and expands recurrences into [from, until].
func (p *Parser) Parse(raw string, from, until time.Time) []ParsedEvent {
	return Parse(raw, ParseOptions{MaxEvents: p.MaxEvents, ExpandFrom: from, ExpandUntil: until})
}

// record is a VEVENT that survived finalization.
type record struct {
	event        ParsedEvent
	cancelled    bool
	rrule        string
	exdates      []time.Time
	recurrenceID time.Time
}

func (r *record) isOverride() bool {
	return !r.recurrenceID.IsZero()
}

// rawRecord accumulates the properties of an open VEVENT.
type rawRecord struct {
	uid, summary, location, description, status string
	dtstart, dtend, duration                    string
	rrule, recurrenceID                         string
	exdates                                     []string
}

// Parse reads VEVENT records from raw ICS text. Malformed records are
// dropped; Parse never fails. At most opts.MaxEvents events are returned and
// parsing stops once that many records have been read.
func Parse(raw string, opts ParseOptions) []ParsedEvent {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}

	var (
		records []*record
		current *rawRecord
		nested  int
		dropped int
	)

	for _, line := range unfoldLines(raw) {
		name, value, ok := splitProperty(line)
		if !ok {
			continue
		}

		switch {
		case name == "BEGIN" && strings.EqualFold(value, "VEVENT"):
			if current != nil {
				dropped++
			}
			current = &rawRecord{}
			nested = 0
			continue
		case current == nil:
			continue
		case name == "BEGIN":
			// VALARM and friends carry their own DESCRIPTION and SUMMARY.
			nested++
			continue
		case name == "END" && nested > 0:
			nested--
			continue
		case nested > 0:
			continue
		case name == "END" && strings.EqualFold(value, "VEVENT"):
			if rec := finalize(current); rec != nil {
				records = append(records, rec)
			} else {
				dropped++
			}
			current = nil
			if len(records) >= opts.MaxEvents {
				slog.Debug("ics event cap reached", "max_events", opts.MaxEvents)
				return assemble(records, opts, dropped)
			}
			continue
		}

		current.set(name, value)
	}

	return assemble(records, opts, dropped)
}

func (r *rawRecord) set(name, value string) {
	switch name {
	case "UID":
		r.uid = strings.TrimSpace(value)
	case "SUMMARY":
		r.summary = unescapeText(value)
	case "LOCATION":
		r.location = unescapeText(value)
	case "DESCRIPTION":
		r.description = unescapeText(value)
	case "STATUS":
		r.status = strings.TrimSpace(value)
	case "DTSTART":
		r.dtstart = value
	case "DTEND":
		r.dtend = value
	case "DURATION":
		r.duration = value
	case "RRULE":
		r.rrule = strings.TrimSpace(value)
	case "EXDATE":
		r.exdates = append(r.exdates, strings.Split(value, ",")...)
	case "RECURRENCE-ID":
		r.recurrenceID = value
	}
}

// finalize converts an open record into a record, or nil if it has no
// usable start or end. Cancelled records survive only as overrides, so
// that they can remove the instance they replace.
func finalize(r *rawRecord) *record {
	cancelled := strings.EqualFold(r.status, "CANCELLED")
	rec := &record{cancelled: cancelled}

	if r.recurrenceID != "" {
		if rid, _, ok := parseICSTime(r.recurrenceID); ok {
			rec.recurrenceID = rid
		}
	}
	if cancelled && !rec.isOverride() {
		return nil
	}

	start, allDay, ok := parseICSTime(r.dtstart)
	if !ok {
		if !rec.isOverride() || !cancelled {
			return nil
		}
		start = rec.recurrenceID
	}

	var end time.Time
	if e, _, ok := parseICSTime(r.dtend); ok {
		end = e
	} else if d, ok := parseDuration(r.duration); ok {
		end = start.Add(d)
	} else if !cancelled {
		return nil
	}

	rec.event = ParsedEvent{
		UID:         r.uid,
		Title:       r.summary,
		StartsAt:    start,
		EndsAt:      end,
		IsAllDay:    allDay,
		Location:    r.location,
		Description: r.description,
	}
	rec.rrule = r.rrule
	for _, ex := range r.exdates {
		if t, _, ok := parseICSTime(ex); ok {
			rec.exdates = append(rec.exdates, t)
		}
	}
	return rec
}

// assemble turns records into output events, expanding recurrences when
// requested and applying the output cap.
func assemble(records []*record, opts ParseOptions, dropped int) []ParsedEvent {
	if dropped > 0 {
		slog.Debug("ics records dropped", "count", dropped)
	}

	var overrides map[string][]*record
	if opts.expanding() {
		overrides = collectOverrides(records)
	}

	out := make([]ParsedEvent, 0, min(len(records), opts.MaxEvents))
	used := make(map[*record]bool)

	for _, rec := range records {
		if len(out) >= opts.MaxEvents {
			break
		}
		if rec.isOverride() && overrides != nil && overrides[rec.event.UID] != nil {
			continue
		}
		if rec.cancelled {
			continue
		}
		if rec.rrule != "" && opts.expanding() {
			out = expandRecord(out, rec, overrides[rec.event.UID], used, opts)
			continue
		}
		out = append(out, rec.event)
	}

	// Overrides that replaced no generated instance still describe an occurrence.
	for _, rec := range records {
		if len(out) >= opts.MaxEvents {
			break
		}
		if rec.isOverride() && overrides[rec.event.UID] != nil && !used[rec] && !rec.cancelled {
			out = append(out, rec.event)
		}
	}
	return out
}

// collectOverrides groups RECURRENCE-ID records by UID, for UIDs that also
// have a recurring master.
func collectOverrides(records []*record) map[string][]*record {
	masters := make(map[string]bool)
	for _, rec := range records {
		if rec.rrule != "" && !rec.isOverride() && rec.event.UID != "" {
			masters[rec.event.UID] = true
		}
	}
	overrides := make(map[string][]*record)
	for _, rec := range records {
		if rec.isOverride() && masters[rec.event.UID] {
			overrides[rec.event.UID] = append(overrides[rec.event.UID], rec)
		}
	}
	return overrides
}

// unfoldLines splits raw into logical lines. A physical line starting with a
// space or tab continues the previous one, minus that first character.
func unfoldLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var lines []string
	for _, physical := range strings.Split(raw, "\n") {
		if physical == "" {
			continue
		}
		if (physical[0] == ' ' || physical[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += physical[1:]
			continue
		}
		lines = append(lines, physical)
	}
	return lines
}

// splitProperty splits a content line into its upper-cased property name
// (parameters removed) and value. Colons inside quoted parameter values do
// not end the name.
func splitProperty(line string) (name, value string, ok bool) {
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ':':
			if inQuotes {
				continue
			}
			name = line[:i]
			if semi := strings.IndexByte(name, ';'); semi >= 0 {
				name = name[:semi]
			}
			name = strings.ToUpper(strings.TrimSpace(name))
			if name == "" {
				return "", "", false
			}
			return name, line[i+1:], true
		}
	}
	return "", "", false
}

// unescapeText decodes \n, \N, \, \; and \\ in TEXT values. Unknown escapes
// are kept as written.
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// parseICSTime decodes DATE (all-day) and DATE-TIME values. Date-times
// without a Z suffix, including TZID-qualified ones, are read as UTC.
func parseICSTime(value string) (t time.Time, allDay bool, ok bool) {
	value = strings.TrimSpace(value)
	switch {
	case len(value) == 8:
		t, err := time.ParseInLocation("20060102", value, time.UTC)
		return t, true, err == nil
	case len(value) == 16 && (value[15] == 'Z' || value[15] == 'z'):
		value = value[:15]
		fallthrough
	case len(value) == 15:
		t, err := time.ParseInLocation("20060102T150405", value, time.UTC)
		return t, false, err == nil
	}
	return time.Time{}, false, false
}

// parseDuration decodes [+-]P[nW][nD][T[nH][nM][nS]].
func parseDuration(value string) (time.Duration, bool) {
	s := strings.ToUpper(strings.TrimSpace(value))
	if s == "" {
		return 0, false
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, false
	}
	s = s[1:]

	var (
		total       time.Duration
		inTime      bool
		sawAny      bool
		sawTimePart bool
		digits      = 0
		start       = 0
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			if digits == 0 {
				start = i
			}
			digits++
			continue
		}
		if c == 'T' {
			if inTime || digits > 0 {
				return 0, false
			}
			inTime = true
			continue
		}
		if digits == 0 {
			return 0, false
		}
		n, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return 0, false
		}
		digits = 0

		var unit time.Duration
		switch {
		case c == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case c == 'D' && !inTime:
			unit = 24 * time.Hour
		case c == 'H' && inTime:
			unit = time.Hour
		case c == 'M' && inTime:
			unit = time.Minute
		case c == 'S' && inTime:
			unit = time.Second
		default:
			return 0, false
		}
		if n > math.MaxInt64/int64(unit) || time.Duration(n)*unit > math.MaxInt64-total {
			return 0, false
		}
		total += time.Duration(n) * unit
		sawAny = true
		if inTime {
			sawTimePart = true
		}
	}
	if digits > 0 || !sawAny || (inTime && !sawTimePart) {
		return 0, false
	}
	return sign * total, true
}
