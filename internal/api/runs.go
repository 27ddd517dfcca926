package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/docpipe/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/logfields"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
)

const defaultListLimit = 20

// TriggerRequest asks for a run of one ref. Ref must be fully qualified;
// Branch and Tag take short names. Leaving all three empty runs the daemon's
// configured default ref.
type TriggerRequest struct {
	Ref    string `json:"ref,omitempty"`
	Branch string `json:"branch,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

// QualifiedRef returns the requested ref in refs/heads/ or refs/tags/ form, or
// "" when none was requested.
func (r TriggerRequest) QualifiedRef() (string, error) {
	set := 0
	for _, v := range []string{r.Ref, r.Branch, r.Tag} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return "", foundationerrors.ValidationError("set only one of ref, branch or tag").Build()
	}
	switch {
	case r.Branch != "":
		return runctx.BranchRef(r.Branch).String(), nil
	case r.Tag != "":
		return runctx.TagRef(r.Tag).String(), nil
	case r.Ref != "":
		ref, err := runctx.ParseQualifiedRef(r.Ref)
		if err != nil {
			return "", err
		}
		return ref.String(), nil
	default:
		return "", nil
	}
}

// TriggerResponse acknowledges an accepted run.
type TriggerResponse struct {
	RunID string `json:"run_id"`
	Ref   string `json:"ref,omitempty"`
}

// EventResponse is one stored run event.
type EventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.Error(w, r, foundationerrors.RuntimeError("run history is not enabled").Build())
		return
	}
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.Error(w, r, foundationerrors.ValidationError("limit must be a positive integer").WithContext("limit", l).Build())
			return
		}
		limit = n
	}
	runs := s.opts.History.History()
	if len(runs) > limit {
		runs = runs[:limit]
	}
	s.Success(w, http.StatusOK, runs)
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.Error(w, r, foundationerrors.RuntimeError("run history is not enabled").Build())
		return
	}
	runs := s.opts.History.Active()
	if runs == nil {
		runs = []*eventstore.RunSummary{}
	}
	s.Success(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.opts.History == nil {
		s.Error(w, r, foundationerrors.RuntimeError("run history is not enabled").Build())
		return
	}
	run, ok := s.opts.History.Run(id)
	if !ok {
		s.Error(w, r, foundationerrors.NotFoundError("run not found").WithContext("run_id", id).Build())
		return
	}
	s.Success(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.opts.Events == nil {
		s.Error(w, r, foundationerrors.RuntimeError("event store is not enabled").Build())
		return
	}
	events, err := s.opts.Events.GetByRunID(r.Context(), id)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	if len(events) == 0 {
		s.Error(w, r, foundationerrors.NotFoundError("run not found").WithContext("run_id", id).Build())
		return
	}
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{ID: e.ID(), Type: e.Type(), Timestamp: e.Timestamp(), Data: e.Payload()})
	}
	s.Success(w, http.StatusOK, out)
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trigger == nil {
		s.Error(w, r, foundationerrors.RuntimeError("manual triggers are not enabled").Build())
		return
	}
	defer r.Body.Close()

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.Error(w, r, foundationerrors.ValidationError("invalid request body").WithCause(err).Build())
		return
	}

	ref, err := req.QualifiedRef()
	if err != nil {
		s.Error(w, r, err)
		return
	}

	runID, err := s.opts.Trigger.Trigger(r.Context(), ref)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	slog.Info("Run triggered over HTTP", logfields.RunID(runID), logfields.Ref(ref))
	s.Success(w, http.StatusAccepted, TriggerResponse{RunID: runID, Ref: ref})
}
