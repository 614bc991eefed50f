package ledger

import "context"

const maxRecentHighRisk = 10

// Stats summarizes recent ledger activity for operators.
type Stats struct {
	Total          int               `json:"total"`
	ByRiskLevel    map[RiskLevel]int `json:"by_risk_level"`
	ByAction       map[Action]int    `json:"by_action"`
	RecentHighRisk []Entry           `json:"recent_high_risk"`
	AlertsSent     int64             `json:"alerts_sent"`
	Buffered       int               `json:"buffered"`
	Degraded       bool              `json:"degraded"`
}

// Stats aggregates the most recent StatsWindow entries. Total counts every
// entry, stored and buffered.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	recent, err := l.query(ctx, Filter{Limit: l.cfg.StatsWindow})
	if err != nil {
		return Stats{}, err
	}
	total, err := l.Count(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Total:          total,
		ByRiskLevel:    make(map[RiskLevel]int, len(RiskLevels)),
		ByAction:       make(map[Action]int),
		RecentHighRisk: []Entry{},
		AlertsSent:     l.AlertsSent(),
		Buffered:       l.Buffered(),
		Degraded:       l.Degraded(),
	}
	for _, r := range RiskLevels {
		s.ByRiskLevel[r] = 0
	}
	for _, e := range recent {
		s.ByRiskLevel[e.RiskLevel]++
		s.ByAction[e.Action]++
		if e.RiskLevel.Rank() >= RiskHigh.Rank() && len(s.RecentHighRisk) < maxRecentHighRisk {
			s.RecentHighRisk = append(s.RecentHighRisk, e)
		}
	}
	return s, nil
}
