package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
)

func TestSelectStrategy(t *testing.T) {
	var now = time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)
	var tbl, _ = catalog.Lookup("asignacion")

	var recent = &calendar.Campaign{
		Archivo:  "ASIG_20250801_TEMPRANA",
		OpenDate: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	var old = &calendar.Campaign{
		Archivo:  "ASIG_20250101_TEMPRANA",
		OpenDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	var beforeOpen = time.Date(2025, 7, 20, 6, 0, 0, 0, time.UTC)
	var afterOpen = time.Date(2025, 8, 10, 6, 0, 0, 0, time.UTC)

	var cases = []struct {
		name      string
		campaign  *calendar.Campaign
		watermark *time.Time
		forced    Strategy
		want      Strategy
	}{
		{"forced wins", recent, &afterOpen, StrategyCalendar, StrategyCalendar},
		{"campaign without watermark", recent, nil, StrategyAuto, StrategyCalendar},
		{"watermark newer than campaign", recent, &afterOpen, StrategyAuto, StrategyWatermark},
		{"old campaign", old, &beforeOpen, StrategyAuto, StrategyWatermark},
		{"active campaign", recent, &beforeOpen, StrategyAuto, StrategyCalendar},
		{"no campaign with watermark", nil, &afterOpen, StrategyAuto, StrategyWatermark},
		{"bootstrap", nil, nil, StrategyAuto, StrategyCalendar},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d = SelectStrategy(tbl, tc.campaign, tc.watermark, tc.forced, now)
			require.Equal(t, tc.want, d.Strategy)
			require.NotEmpty(t, d.Reason)
		})
	}
}

func TestSelectStrategyRuleOrder(t *testing.T) {
	var now = time.Date(2025, 8, 25, 0, 0, 0, 0, time.UTC)
	var tbl, _ = catalog.Lookup("pagos")

	// An old campaign whose watermark predates its opening: the age rule
	// fires only after the coverage rule declined.
	var old = &calendar.Campaign{
		Archivo:  "ASIG_20250101_TEMPRANA",
		OpenDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	var stale = time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)

	var d = SelectStrategy(tbl, old, &stale, StrategyAuto, now)
	require.Equal(t, StrategyWatermark, d.Strategy)
	require.Contains(t, d.Reason, "days ago")
}
