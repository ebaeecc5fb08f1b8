// Package report builds the KPI summary behind the /report command. It reads
// the event log and participant ledger only; it never mutates store state.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"incidentbot/pkg/incerr"
	"incidentbot/pkg/store"
	"incidentbot/pkg/timeutil"
)

// Periods accepted by Generate.
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// Generator renders KPI reports for a company.
type Generator struct {
	store        *store.Store
	location     *time.Location
	weekEndDay   time.Weekday
	templateText string
}

// Options configure report rendering.
type Options struct {
	// Timezone is an IANA name; report windows are computed in it.
	Timezone string
	// WeekEndDay names the day the weekly window ends on (e.g. "sunday").
	WeekEndDay string
	// TemplateText optionally overrides the built-in report template.
	TemplateText string
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

// New creates a generator. Unknown timezones and weekdays fall back to UTC
// and Sunday.
func New(s *store.Store, opts Options) (*Generator, error) {
	loc := time.UTC
	if opts.Timezone != "" {
		parsed, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading report timezone %q: %w", opts.Timezone, err)
		}
		loc = parsed
	}
	weekEnd := time.Sunday
	if opts.WeekEndDay != "" {
		day, ok := weekdays[strings.ToLower(opts.WeekEndDay)]
		if !ok {
			return nil, fmt.Errorf("unknown week end day %q", opts.WeekEndDay)
		}
		weekEnd = day
	}
	return &Generator{
		store:        s,
		location:     loc,
		weekEndDay:   weekEnd,
		templateText: opts.TemplateText,
	}, nil
}

// Window returns the [from, to) interval covered by a period, computed in the
// report timezone: day is the current calendar day, week is the seven days
// ending on the configured week-end day, month is the current calendar month.
func (g *Generator) Window(period string, now time.Time) (time.Time, time.Time, error) {
	local := now.In(g.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.location)

	switch period {
	case PeriodDay:
		return midnight, midnight.Add(24 * time.Hour), nil
	case PeriodWeek:
		// The boundary is the midnight after the most recent week-end day.
		end := midnight.Add(24 * time.Hour)
		for end.Add(-24 * time.Hour).Weekday() != g.weekEndDay {
			end = end.Add(-24 * time.Hour)
		}
		return end.Add(-7 * 24 * time.Hour), end, nil
	case PeriodMonth:
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, g.location)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, incerr.New(incerr.KindValidation,
			"period must be one of day, week, month")
	}
}

// Stats is the computed KPI set handed to the template.
type Stats struct {
	CompanyName string
	Period      string
	From, To    string

	Created    int
	Resolved   int
	AutoClosed int
	Open       int

	AvgMinutesToFirstClaim int
	AvgMinutesToResolution int

	TopResponders []Responder
}

// Responder is one line in the engagement ranking.
type Responder struct {
	Handle        string
	ActiveMinutes int
	Incidents     int
}

const defaultTemplate = `📊 Report for {{.CompanyName}} ({{.Period}}: {{.From}} – {{.To}})

Created: {{.Created}}
Resolved: {{.Resolved}}
Auto-closed: {{.AutoClosed}}
Still open: {{.Open}}
{{if .Resolved}}
Avg minutes to first claim: {{.AvgMinutesToFirstClaim}}
Avg minutes to resolution: {{.AvgMinutesToResolution}}
{{end}}{{if .TopResponders}}
Top responders:
{{- range .TopResponders}}
  @{{.Handle}} — {{.ActiveMinutes}} min across {{.Incidents}} incident(s)
{{- end}}
{{end}}`

// Generate computes the stats for the window and renders the report text.
func (g *Generator) Generate(ctx context.Context, companyID int64, period string, now time.Time) (string, error) {
	from, to, err := g.Window(period, now)
	if err != nil {
		return "", err
	}

	q := g.store.Read()
	company, err := q.GetCompany(ctx, companyID)
	if err != nil {
		return "", err
	}
	incidents, err := q.IncidentsCreatedBetween(ctx, companyID, from.UTC(), to.UTC())
	if err != nil {
		return "", err
	}

	stats := Stats{
		CompanyName: company.Name,
		Period:      period,
		From:        from.Format("2006-01-02"),
		To:          to.Add(-24 * time.Hour).Format("2006-01-02"),
		Created:     len(incidents),
	}

	var claimDelaySum, claimedWithTimes, resolveDelaySum, resolvedWithTimes int
	type tally struct {
		seconds   int64
		incidents map[string]bool
		handle    string
	}
	byUser := make(map[int64]*tally)

	for _, inc := range incidents {
		switch inc.Status {
		case store.StatusResolved:
			stats.Resolved++
		case store.StatusClosed:
			stats.AutoClosed++
		default:
			stats.Open++
		}

		if inc.FirstClaimedAt != "" && inc.DepartmentAssignedAt != "" {
			assigned, err1 := timeutil.Parse(inc.DepartmentAssignedAt)
			claimed, err2 := timeutil.Parse(inc.FirstClaimedAt)
			if err1 == nil && err2 == nil {
				claimDelaySum += int(timeutil.ElapsedSeconds(assigned, claimed) / 60)
				claimedWithTimes++
				if inc.ResolvedAt != "" {
					resolved, err3 := timeutil.Parse(inc.ResolvedAt)
					if err3 == nil {
						resolveDelaySum += int(timeutil.ElapsedSeconds(assigned, resolved) / 60)
						resolvedWithTimes++
					}
				}
			}
		}

		parts, err := q.ListParticipants(ctx, inc.IncidentID)
		if err != nil {
			return "", err
		}
		for _, p := range parts {
			t := byUser[p.UserID]
			if t == nil {
				t = &tally{incidents: make(map[string]bool)}
				byUser[p.UserID] = t
				if u, err := q.GetUser(ctx, p.UserID); err == nil && u != nil {
					t.handle = u.Handle
				}
			}
			t.seconds += p.TotalActiveSeconds
			t.incidents[p.IncidentID] = true
		}
	}

	if resolvedWithTimes > 0 {
		stats.AvgMinutesToResolution = resolveDelaySum / resolvedWithTimes
	}
	if claimedWithTimes > 0 {
		stats.AvgMinutesToFirstClaim = claimDelaySum / claimedWithTimes
	}

	for userID, t := range byUser {
		handle := t.handle
		if handle == "" {
			handle = store.FallbackHandle(userID)
		}
		stats.TopResponders = append(stats.TopResponders, Responder{
			Handle:        handle,
			ActiveMinutes: int(t.seconds / 60),
			Incidents:     len(t.incidents),
		})
	}
	sort.Slice(stats.TopResponders, func(i, j int) bool {
		if stats.TopResponders[i].ActiveMinutes != stats.TopResponders[j].ActiveMinutes {
			return stats.TopResponders[i].ActiveMinutes > stats.TopResponders[j].ActiveMinutes
		}
		return stats.TopResponders[i].Handle < stats.TopResponders[j].Handle
	})
	if len(stats.TopResponders) > 10 {
		stats.TopResponders = stats.TopResponders[:10]
	}

	text := g.templateText
	if text == "" {
		text = defaultTemplate
	}
	tmpl, err := template.New("report").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing report template: %w", err)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, stats); err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return out.String(), nil
}
