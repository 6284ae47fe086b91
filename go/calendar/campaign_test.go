package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBasename(t *testing.T) {
	for archivo, want := range map[string]string{
		"ASIG_20250601_TEMPRANA": "ASIG",
		"CD25_20250315":          "CD25",
		"TEMPRANA":               "TEMPRANA",
		"_20250601":              "_20250601",
	} {
		var c = Campaign{Archivo: archivo}
		require.Equal(t, want, c.Basename(), "archivo %q", archivo)
	}
}

func TestKey(t *testing.T) {
	var c = Campaign{Archivo: "ASIG_20250601_TEMPRANA"}
	require.Equal(t, "campaign:ASIG_20250601_TEMPRANA", c.Key())
}

func TestAgeDays(t *testing.T) {
	var c = Campaign{OpenDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}

	require.Equal(t, 0, c.AgeDays(time.Date(2025, 6, 1, 18, 30, 0, 0, time.UTC)))
	require.Equal(t, 1, c.AgeDays(time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)))
	require.Equal(t, 85, c.AgeDays(time.Date(2025, 8, 25, 0, 0, 0, 0, time.UTC)))
}

func TestIsOpen(t *testing.T) {
	var now = time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)
	var open = Campaign{OpenDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	require.True(t, open.IsOpen(now))

	var closeToday = time.Date(2025, 8, 25, 0, 0, 0, 0, time.UTC)
	var closing = Campaign{OpenDate: open.OpenDate, CloseDate: &closeToday}
	// A campaign still operates on its close date.
	require.True(t, closing.IsOpen(now))

	var closedYesterday = time.Date(2025, 8, 24, 0, 0, 0, 0, time.UTC)
	var closed = Campaign{OpenDate: open.OpenDate, CloseDate: &closedYesterday}
	require.False(t, closed.IsOpen(now))
}

func TestWatermarkValue(t *testing.T) {
	var open = time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC)
	var c = Campaign{OpenDate: open}
	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), c.WatermarkValue())

	var closeDate = time.Date(2025, 6, 30, 23, 0, 0, 0, time.UTC)
	c.CloseDate = &closeDate
	require.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), c.WatermarkValue())
}

func TestDay(t *testing.T) {
	var lima = time.FixedZone("America/Lima", -5*60*60)
	var local = time.Date(2025, 6, 1, 22, 30, 0, 0, lima)
	// 22:30 in Lima is already June 2nd in UTC.
	require.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), Day(local))
}
