// Package calendar answers business-day questions for hold scheduling.
package calendar

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Holiday is a non-business day on which no funds become available
type Holiday struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

type calendarFile struct {
	Name     string    `yaml:"name"`
	Holidays []Holiday `yaml:"holidays"`
}

// Calendar is an immutable set of bank holidays. Weekends are never
// business days regardless of configuration. All dates are UTC.
type Calendar struct {
	name     string
	holidays map[string]string
}

// New builds a calendar from explicit holiday dates
func New(name string, holidays ...time.Time) *Calendar {
	c := &Calendar{name: name, holidays: make(map[string]string, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.UTC().Format(dateLayout)] = ""
	}
	return c
}

// Parse reads a YAML calendar document
func Parse(data []byte) (*Calendar, error) {
	var f calendarFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse holiday calendar: %w", err)
	}

	c := &Calendar{name: f.Name, holidays: make(map[string]string, len(f.Holidays))}
	for _, h := range f.Holidays {
		d, err := time.Parse(dateLayout, h.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", h.Date, err)
		}
		c.holidays[d.Format(dateLayout)] = h.Name
	}
	return c, nil
}

// Load reads a YAML calendar file. An empty path yields a calendar with
// weekends only.
func Load(path string) (*Calendar, error) {
	if path == "" {
		return New("weekends-only"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read holiday calendar: %w", err)
	}
	return Parse(data)
}

// Name returns the calendar's configured name
func (c *Calendar) Name() string {
	return c.name
}

// Holidays returns the configured holidays in date order
func (c *Calendar) Holidays() []Holiday {
	out := make([]Holiday, 0, len(c.holidays))
	for date, name := range c.holidays {
		out = append(out, Holiday{Date: date, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// IsHoliday reports whether the date is a configured bank holiday
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.UTC().Format(dateLayout)]
	return ok
}

// IsBusinessDay reports whether the date is neither a weekend nor a holiday
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	switch t.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(t)
}

// AddBusinessDays returns the date n business days after from, truncated to
// UTC midnight. With n <= 0 it returns from's date if that is a business day,
// otherwise the next business day.
func (c *Calendar) AddBusinessDays(from time.Time, n int) time.Time {
	day := Date(from)
	if n <= 0 {
		for !c.IsBusinessDay(day) {
			day = day.AddDate(0, 0, 1)
		}
		return day
	}

	for counted := 0; counted < n; {
		day = day.AddDate(0, 0, 1)
		if c.IsBusinessDay(day) {
			counted++
		}
	}
	return day
}

// Date truncates a timestamp to its UTC calendar date
func Date(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
