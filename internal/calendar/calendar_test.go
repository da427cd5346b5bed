package calendar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddBusinessDays_SkipsWeekends(t *testing.T) {
	c := New("test")

	// Friday 2026-01-09 + 1 business day is Monday
	assert.Equal(t, day(2026, 1, 12), c.AddBusinessDays(day(2026, 1, 9), 1))
	// Friday + 5 business days is the next Friday
	assert.Equal(t, day(2026, 1, 16), c.AddBusinessDays(day(2026, 1, 9), 5))
	// Saturday + 1 is Monday
	assert.Equal(t, day(2026, 1, 12), c.AddBusinessDays(day(2026, 1, 10), 1))
}

func TestAddBusinessDays_SkipsHolidays(t *testing.T) {
	// Monday 2026-01-19 is a holiday
	c := New("test", day(2026, 1, 19))

	assert.Equal(t, day(2026, 1, 20), c.AddBusinessDays(day(2026, 1, 16), 1))
	assert.True(t, c.IsHoliday(time.Date(2026, 1, 19, 15, 30, 0, 0, time.UTC)))
	assert.False(t, c.IsBusinessDay(day(2026, 1, 19)))
}

func TestAddBusinessDays_ZeroDays(t *testing.T) {
	c := New("test")

	assert.Equal(t, day(2026, 1, 14), c.AddBusinessDays(time.Date(2026, 1, 14, 18, 0, 0, 0, time.UTC), 0))
	assert.Equal(t, day(2026, 1, 12), c.AddBusinessDays(day(2026, 1, 11), 0))
}

func TestAddBusinessDays_NeverLandsOnWeekend(t *testing.T) {
	c := New("test", day(2026, 12, 25), day(2027, 1, 1))
	start := day(2026, 12, 1)

	for offset := 0; offset < 45; offset++ {
		from := start.AddDate(0, 0, offset)
		for n := 1; n <= 10; n++ {
			got := c.AddBusinessDays(from, n)
			assert.True(t, c.IsBusinessDay(got), "from %s +%d landed on %s", from.Format(dateLayout), n, got.Format(dateLayout))
			assert.True(t, got.After(from))
		}
	}
}

func TestAddBusinessDays_Monotonic(t *testing.T) {
	c := New("test")
	from := day(2026, 3, 6)

	prev := c.AddBusinessDays(from, 1)
	for n := 2; n <= 12; n++ {
		next := c.AddBusinessDays(from, n)
		assert.True(t, next.After(prev))
		prev = next
	}
}

func TestParse(t *testing.T) {
	doc := []byte(`
name: us-federal-reserve
holidays:
  - date: "2026-07-03"
    name: Independence Day (observed)
  - date: "2026-01-01"
    name: New Year's Day
`)

	c, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, "us-federal-reserve", c.Name())
	assert.True(t, c.IsHoliday(day(2026, 7, 3)))

	holidays := c.Holidays()
	require.Len(t, holidays, 2)
	assert.Equal(t, "2026-01-01", holidays[0].Date)
	assert.Equal(t, "New Year's Day", holidays[0].Name)
}

func TestParse_InvalidDate(t *testing.T) {
	_, err := Parse([]byte("holidays:\n  - date: \"07/04/2026\"\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Run("empty path is weekends only", func(t *testing.T) {
		c, err := Load("")
		require.NoError(t, err)
		assert.Empty(t, c.Holidays())
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "holidays.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: x\nholidays:\n  - date: \"2026-11-26\"\n"), 0o600))

		c, err := Load(path)
		require.NoError(t, err)
		assert.True(t, c.IsHoliday(day(2026, 11, 26)))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
