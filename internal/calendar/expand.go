package calendar

import (
	"log/slog"
	"time"

	"github.com/teambition/rrule-go"
)

// maxRecurrenceSteps bounds how many instances of one rule are walked,
// including those before the expansion window.
const maxRecurrenceSteps = 50000

// expandRecord appends the occurrences of a recurring record that start
// within the expansion window. Instances replaced by an override are taken
// from the override; cancelled overrides remove their instance. An
// unparseable rule yields the base occurrence alone.
func expandRecord(out []ParsedEvent, rec *record, overrides []*record, used map[*record]bool, opts ParseOptions) []ParsedEvent {
	r, err := rrule.StrToRRule(rec.rrule)
	if err != nil {
		slog.Debug("ics rrule not understood", "uid", rec.event.UID, "error", err)
		return append(out, rec.event)
	}
	r.DTStart(rec.event.StartsAt)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range rec.exdates {
		set.ExDate(ex)
	}

	length := rec.event.EndsAt.Sub(rec.event.StartsAt)
	next := set.Iterator()
	for steps := 0; steps < maxRecurrenceSteps; steps++ {
		start, ok := next()
		if !ok || start.After(opts.ExpandUntil) {
			return out
		}
		if start.Before(opts.ExpandFrom) {
			continue
		}
		if len(out) >= opts.MaxEvents {
			return out
		}

		start = start.UTC()
		if ov := overrideFor(overrides, start); ov != nil {
			used[ov] = true
			if !ov.cancelled {
				out = append(out, ov.event)
			}
			continue
		}

		occ := rec.event
		occ.StartsAt = start
		occ.EndsAt = start.Add(length)
		out = append(out, occ)
	}
	slog.Debug("ics recurrence truncated", "uid", rec.event.UID, "steps", maxRecurrenceSteps)
	return out
}

func overrideFor(overrides []*record, start time.Time) *record {
	for _, ov := range overrides {
		if ov.recurrenceID.Equal(start) {
			return ov
		}
	}
	return nil
}
