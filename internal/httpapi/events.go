package httpapi

import (
	"net/http"
	"strconv"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
	"github.com/haasonsaas/nexus-mu/internal/eventlog"
)

func filterFromQuery(r *http.Request) eventlog.Filter {
	q := r.URL.Query()
	filter := eventlog.Filter{
		Type:     q.Get("type"),
		IssueID:  q.Get("issue_id"),
		RunID:    q.Get("run_id"),
		Contains: q.Get("contains"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	return filter
}

func (s *Server) handleEventsQuery(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Events.Query(filterFromQuery(r))
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

const defaultTailCount = 50

func (s *Server) handleEventsTail(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)
	n := filter.Limit
	if n <= 0 {
		n = defaultTailCount
	}
	filter.Limit = 0
	events, err := s.deps.Events.Tail(filter, n)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}
