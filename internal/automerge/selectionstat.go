package automerge

import (
	"time"

	"go.uber.org/zap"
)

type selectionStat struct {
	StartTime time.Time
	EndTime   time.Time
	Seen      uint
	Untrusted uint
	Blocked   uint
	Failures  uint
	Primary   uint
	Fallback  uint
}

func (s *selectionStat) LogFields() []zap.Field {
	return []zap.Field{
		zap.Duration("selection_duration", s.EndTime.Sub(s.StartTime)),
		zap.Uint("pr_selection.seen", s.Seen),
		zap.Uint("pr_selection.untrusted", s.Untrusted),
		zap.Uint("pr_selection.blocked", s.Blocked),
		zap.Uint("pr_selection.failures", s.Failures),
		zap.Uint("pr_selection.primary", s.Primary),
		zap.Uint("pr_selection.fallback", s.Fallback),
	}
}
