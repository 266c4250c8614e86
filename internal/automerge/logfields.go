package automerge

import (
	"go.uber.org/zap"

	"github.com/simplesurance/automerger/internal/logfields"
)

const loggerName = "automerge"

var (
	logEventCycleStarted       = logfields.Event("cycle_started")
	logEventCycleFinished      = logfields.Event("cycle_finished")
	logEventNoCandidate        = logfields.Event("no_candidate")
	logEventCandidateSelected  = logfields.Event("candidate_selected")
	logEventSelectionFailed    = logfields.Event("selection_failed")
	logEventReportCreated      = logfields.Event("report_created")
	logEventReportFailed       = logfields.Event("creating_report_failed")
	logEventCyclePanic         = logfields.Event("cycle_panic")
	logEventPrivilegesFailed   = logfields.Event("privileges_refresh_failed")
	logEventSupervisorStopping = logfields.Event("supervisor_stopping")
)

func logFieldOutcome(k Kind) zap.Field {
	return zap.Stringer("outcome", k)
}
