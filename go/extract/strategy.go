package extract

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
)

// Strategy names how a table extraction is bounded.
type Strategy string

const (
	// StrategyAuto lets the selector decide.
	StrategyAuto Strategy = "auto"
	// StrategyCalendar bounds the extraction by campaign dates.
	StrategyCalendar Strategy = "calendar"
	// StrategyWatermark bounds the extraction by the last successful run.
	StrategyWatermark Strategy = "watermark"
)

// Campaigns older than this are cheaper to follow by watermark than by
// re-reading their whole calendar window.
const campaignMaxAgeDays = 90

// A Decision is the selected strategy and the rule that produced it.
type Decision struct {
	Strategy Strategy
	Reason   string
}

// SelectStrategy picks the extraction strategy for one (table, campaign)
// pair and logs the decision. The rules are ordered; the first match wins.
func SelectStrategy(tbl catalog.Table, c *calendar.Campaign, watermark *time.Time, forced Strategy, now time.Time) Decision {
	var d = decide(c, watermark, forced, now)

	var fields = log.Fields{
		"table":    tbl.Name,
		"strategy": d.Strategy,
		"reason":   d.Reason,
	}
	if c != nil {
		fields["campaign"] = c.Archivo
	}
	if watermark != nil {
		fields["watermark"] = watermark.Format(time.RFC3339)
	}
	log.WithFields(fields).Info("selected extraction strategy")

	return d
}

func decide(c *calendar.Campaign, watermark *time.Time, forced Strategy, now time.Time) Decision {
	switch {
	case forced == StrategyCalendar || forced == StrategyWatermark:
		return Decision{forced, "strategy forced by caller"}
	case c != nil && watermark == nil:
		return Decision{StrategyCalendar, "campaign has no prior successful extraction"}
	case c != nil && c.OpenDate.Before(*watermark):
		return Decision{StrategyWatermark, "watermark already covers the campaign window"}
	case c != nil && c.AgeDays(now) > campaignMaxAgeDays:
		return Decision{StrategyWatermark, fmt.Sprintf("campaign opened %d days ago", c.AgeDays(now))}
	case c != nil:
		return Decision{StrategyCalendar, "campaign is inside its operating window"}
	case watermark != nil:
		return Decision{StrategyWatermark, "continuing from the last successful extraction"}
	default:
		return Decision{StrategyCalendar, "no campaign and no watermark; bootstrap load"}
	}
}
