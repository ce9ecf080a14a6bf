package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	courier "github.com/eugener/courier/internal"
)

// readBody reads at most maxBody bytes. An empty body is returned as nil.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", courier.ErrBadRequest, err)
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON body", courier.ErrBadRequest)
	}
	return body, nil
}

// handleSubmitTask accepts {"name": "...", "args": ...} and enqueues the task.
func (s *server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := gjson.GetBytes(body, "name")
	if name.Type != gjson.String {
		writeError(w, r, fmt.Errorf("%w: name must be a string", courier.ErrBadRequest))
		return
	}
	var args []byte
	if a := gjson.GetBytes(body, "args"); a.Exists() {
		args = []byte(a.Raw)
	}

	task, err := s.deps.Tasks.Submit(r.Context(), name.Str, args)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// handleRevokeTask revokes {id}. The optional body carries {"reason": "..."}.
func (s *server) handleRevokeTask(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reason := gjson.GetBytes(body, "reason").String()

	rev, err := s.deps.Tasks.Revoke(r.Context(), chi.URLParam(r, "id"), reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *server) handleListRevocations(w http.ResponseWriter, _ *http.Request) {
	revs := s.deps.Tasks.Revocations()
	if revs == nil {
		revs = []courier.Revocation{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: revs})
}

func (s *server) handleRegisteredTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{Data: s.deps.Tasks.TaskNames()})
}

// handleListEvents serves GET /v1/events?task_id=&type=&since=&until=&limit=&offset=.
// since and until are RFC 3339 timestamps.
func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	f := courier.EventFilter{
		TaskID: q.Get("task_id"),
		Limit:  limit,
		Offset: offset,
	}
	if typ := q.Get("type"); typ != "" {
		et, ok := parseEventType(typ)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: unknown event type %q", courier.ErrBadRequest, typ))
			return
		}
		f.Type = et
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, r, err)
		return
	}

	events, total, err := s.deps.Tasks.Events(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []courier.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       events,
		Pagination: &pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func parseEventType(s string) (courier.EventType, bool) {
	switch et := courier.EventType(s); et {
	case courier.EventReceived, courier.EventRevoked, courier.EventDispatched,
		courier.EventSucceeded, courier.EventFailed:
		return et, true
	}
	return "", false
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", courier.ErrBadRequest, s)
	}
	return t, nil
}
