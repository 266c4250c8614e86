package automerge

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is a snapshot of the state of the Supervisor.
// It is safe for concurrent use.
type Status struct {
	DryRun       bool
	Repositories []string

	mu                sync.Mutex
	cycle             uint64
	lastCycleEnd      time.Time
	lastOutcome       Kind
	lastCandidate     string
	lastCandidateKind string
}

func NewStatus(dryRun bool, repositories []string) *Status {
	return &Status{DryRun: dryRun, Repositories: repositories}
}

func (s *Status) candidateSelected(cand *Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCandidate = cand.PR.String()
	if cand.Merge {
		s.lastCandidateKind = candidateKindPrimaryVal
	} else {
		s.lastCandidateKind = candidateKindFallbackVal
	}
}

func (s *Status) cycleFinished(cycle uint64, k Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycle = cycle
	s.lastOutcome = k
	s.lastCycleEnd = time.Now()
}

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

// WriteStr writes str to the response.
// If an error happens, it is logged and false is returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info("sending http response failed", zap.Error(err))
		return false
	}

	return true
}

// HTTPHandler returns a handler that writes the status as plain text.
func (s *Status) HTTPHandler() http.HandlerFunc {
	logger := zap.L().Named(loggerName).Named("status")

	return func(respWr http.ResponseWriter, _ *http.Request) {
		resp := &httpRespWriter{ResponseWriter: respWr, logger: logger}
		resp.Header().Add("Content-Type", "text/plain")

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.DryRun {
			if !resp.WriteStr("dry-run mode, no changes are made\n") {
				return
			}
		}

		if !resp.WriteStr(fmt.Sprintf("Repositories: %s\n", strings.Join(s.Repositories, ", "))) {
			return
		}

		if s.cycle == 0 {
			resp.WriteStr("no cycle finished yet\n")
			return
		}

		if !resp.WriteStr(fmt.Sprintf(
			"Cycle:   %d\nOutcome: %s\nEnded:   %s\n",
			s.cycle, s.lastOutcome, s.lastCycleEnd.Format(time.RFC822),
		)) {
			return
		}

		if s.lastCandidate != "" {
			resp.WriteStr(fmt.Sprintf("Last processed pull request: %s (%s)\n", s.lastCandidate, s.lastCandidateKind))
		}
	}
}
