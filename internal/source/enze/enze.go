// Package enze is a weekly duty roster source.
//
// It keeps two generations of the roster: current, which covers the period
// in progress, and next, which an operator uploads ahead of time. When today
// is missing from current but present in next, next becomes current.
package enze

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"

	"dutybot/internal/eventbus"
	"dutybot/internal/registry"
	"dutybot/internal/sheet"
	"dutybot/internal/source"
	logx "dutybot/pkg/logx"
)

func init() {
	source.Register(registry.CanonicalName("EnzeSource", "Source"), New)
}

// Schedule maps a formatted date key to a shift code.
type Schedule map[string]string

type EnzeSource struct {
	cfg Config
	tpl Templates
	url string
	log logx.Logger
	bus eventbus.Bus
	id  string

	mu      sync.Mutex
	current Schedule
	next    Schedule
}

func New(raw json.RawMessage, deps source.Deps) (source.Source, error) {
	var cfg Config
	if err := registry.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Sheet == "" {
		cfg.Sheet = sheet.DefaultSheet
	}
	return &EnzeSource{
		cfg:     cfg,
		tpl:     cfg.Templates.withDefaults(),
		url:     deps.UploadURL,
		log:     deps.Logger.With(logx.String("comp", "enze"), logx.String("flow", deps.Name)),
		bus:     deps.Bus,
		id:      deps.Name,
		current: Schedule{},
		next:    Schedule{},
	}, nil
}

func (s *EnzeSource) key(t time.Time) string {
	return strftime.Format(s.cfg.DateFormat, t)
}

func lookup(m Schedule, k string) (string, bool) {
	v := m[k]
	return v, v != ""
}

// Produce resolves today once, rolling the period over if needed, and
// renders both texts from that single resolution.
func (s *EnzeSource) Produce(now time.Time, needTitle bool) source.Output {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.key(now)
	code, ok := s.resolveLocked(today)
	out := source.Output{Content: s.contentLocked(now, today, code, ok)}
	if needTitle {
		if ok {
			out.Title = fmt.Sprintf(s.tpl.Title, code)
		} else {
			out.Title = fmt.Sprintf(s.tpl.ErrorTitle, today)
		}
	}
	return out
}

// Content renders the body text, rolling the period over if needed.
func (s *EnzeSource) Content(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := s.key(now)
	code, ok := s.resolveLocked(today)
	return s.contentLocked(now, today, code, ok)
}

// Title renders the headline. It only reads state and never rolls over.
func (s *EnzeSource) Title(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := s.key(now)
	code, ok := lookup(s.current, today)
	if !ok {
		code, ok = lookup(s.next, today)
	}
	if !ok {
		return fmt.Sprintf(s.tpl.ErrorTitle, today)
	}
	return fmt.Sprintf(s.tpl.Title, code)
}

// resolveLocked finds today's code, promoting next to current when today
// belongs to the next period.
func (s *EnzeSource) resolveLocked(today string) (string, bool) {
	if code, ok := lookup(s.current, today); ok {
		return code, true
	}
	if _, ok := lookup(s.next, today); !ok {
		return "", false
	}
	s.rolloverLocked()
	return lookup(s.current, today)
}

func (s *EnzeSource) rolloverLocked() {
	s.current = maps.Clone(s.next)
	s.next = Schedule{}
	s.log.Info("schedule rolled over", logx.Int("entries", len(s.current)))
	eventbus.Publish(s.bus, eventbus.ScheduleRollover, eventbus.ScheduleChange{Source: s.id, Entries: len(s.current)})
}

func (s *EnzeSource) contentLocked(now time.Time, today, code string, ok bool) string {
	if !ok {
		return fmt.Sprintf(s.tpl.Error, today) + s.tpl.Joiner + s.reminder()
	}

	tomorrow := s.key(now.AddDate(0, 0, 1))
	tomorrowCode, found := lookup(s.current, tomorrow)
	if !found {
		tomorrowCode, found = lookup(s.next, tomorrow)
	}
	if !found {
		tomorrowCode = s.tpl.Unknown
	}

	text := fmt.Sprintf(s.tpl.Content, code, tomorrowCode)

	// Remind two days ahead when the next period has not been uploaded.
	dayAfter := s.key(now.AddDate(0, 0, 2))
	if _, covered := lookup(s.current, dayAfter); !covered && len(s.next) == 0 {
		text += s.tpl.Joiner + s.reminder()
	}
	return text
}

func (s *EnzeSource) reminder() string {
	return fmt.Sprintf(s.tpl.Reminder, s.url)
}

// Handle replaces the next period with the roster in data. On any failure
// state is left untouched and false is returned.
func (s *EnzeSource) Handle(data []byte) bool {
	rows, err := sheet.Rows(data, s.cfg.Sheet)
	if err != nil {
		s.log.Warn("roster upload rejected", logx.Err(err))
		return false
	}
	header, err := sheet.FindRow(rows, s.cfg.TitleKey)
	if err != nil {
		s.log.Warn("roster upload rejected", logx.Err(err))
		return false
	}
	codes, err := sheet.FindRow(rows, s.cfg.ContentKey)
	if err != nil {
		s.log.Warn("roster upload rejected", logx.Err(err))
		return false
	}
	next := Schedule(sheet.Zip(header, codes))

	s.mu.Lock()
	s.next = next
	s.mu.Unlock()

	s.log.Info("roster updated", logx.Int("entries", len(next)), logx.String("dates", strings.Join(slices.Sorted(maps.Keys(next)), ",")))
	eventbus.Publish(s.bus, eventbus.ScheduleUpdated, eventbus.ScheduleChange{Source: s.id, Entries: len(next)})
	return true
}

// Snapshot is the read-only view served by the HTTP API.
type Snapshot struct {
	Current   Schedule `json:"current"`
	Next      Schedule `json:"next"`
	UploadURL string   `json:"upload_url"`
}

func (s *EnzeSource) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Current: maps.Clone(s.current), Next: maps.Clone(s.next), UploadURL: s.url}
}
