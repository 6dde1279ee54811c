package server

import (
	"context"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/material"
	"github.com/teranos/drover/mdu"
	"github.com/teranos/drover/store"
	"github.com/teranos/drover/version"
)

// HandleHealth reports daemon status and every raised health entry
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	entries := make([]HealthEntry, 0)
	for _, st := range s.health.All() {
		entries = append(entries, healthEntry(st))
	}

	status := "ok"
	if len(entries) > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"state":       stateString(s.getState()),
		"version":     versionInfo.Version,
		"commit":      versionInfo.CommitHash,
		"build_time":  versionInfo.BuildTime,
		"agents":      len(s.agents.All()),
		"connected":   s.gateway.Connected(),
		"in_progress": len(s.coordinator.InProgress()),
		"maintenance": s.store.MaintenanceMode(r.Context()),
		"entries":     entries,
	})
}

// HandleAgents lists every agent ordered by hostname
func (s *Server) HandleAgents(w http.ResponseWriter, r *http.Request) {
	all := s.agents.All()
	out := make([]AgentView, 0, len(all))
	for _, a := range all {
		out = append(out, agentView(a.Snapshot()))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAgentEnable approves a pending or disabled agent and persists it
func (s *Server) HandleAgentEnable(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if err := s.agents.Enable(uuid); err != nil {
		writeErrorFor(w, s.log, err, "failed to enable agent")
		return
	}
	s.persistAgent(w, r, uuid, false)
}

// HandleAgentDeny disables an agent and persists it
func (s *Server) HandleAgentDeny(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if err := s.agents.Deny(uuid); err != nil {
		writeErrorFor(w, s.log, err, "failed to deny agent")
		return
	}
	s.persistAgent(w, r, uuid, true)
}

func (s *Server) persistAgent(w http.ResponseWriter, r *http.Request, uuid string, disabled bool) {
	a, err := s.agents.Get(uuid)
	if err != nil {
		writeErrorFor(w, s.log, err, "failed to read agent")
		return
	}
	snap := a.Snapshot()
	cfg := agent.Config{
		UUID:      snap.UUID,
		Hostname:  snap.Hostname,
		IPAddress: snap.IPAddress,
		Resources: snap.Resources,
		Disabled:  disabled,
		Elastic:   snap.Elastic,
	}
	if err := s.store.SaveAgent(r.Context(), cfg); err != nil {
		writeErrorFor(w, s.log, err, "failed to save agent")
		return
	}
	writeJSON(w, http.StatusOK, agentView(a.Snapshot()))
}

// HandleAgentCancel arms a cancel instruction for the agent's next ping
func (s *Server) HandleAgentCancel(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.agents.Cancel, "failed to cancel agent")
}

// HandleAgentKill escalates an outstanding cancellation
func (s *Server) HandleAgentKill(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.agents.KillRunningTasks, "failed to kill running tasks")
}

func (s *Server) agentAction(w http.ResponseWriter, r *http.Request, action func(string) error, failure string) {
	uuid := chi.URLParam(r, "uuid")
	if err := action(uuid); err != nil {
		writeErrorFor(w, s.log, err, failure)
		return
	}
	a, err := s.agents.Get(uuid)
	if err != nil {
		writeErrorFor(w, s.log, err, failure)
		return
	}
	writeJSON(w, http.StatusOK, agentView(a.Snapshot()))
}

// HandleAgentDelete removes a disabled, idle agent
func (s *Server) HandleAgentDelete(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if err := s.agents.Remove(uuid); err != nil {
		writeErrorFor(w, s.log, err, "failed to remove agent")
		return
	}
	if err := s.store.DeleteAgent(r.Context(), uuid); err != nil && !errors.IsNotFoundError(err) {
		writeErrorFor(w, s.log, err, "failed to delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMaterials lists configured materials with their polling state
func (s *Server) HandleMaterials(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.Materials(r.Context())
	if err != nil {
		writeErrorFor(w, s.log, err, "failed to list materials")
		return
	}
	out := make([]MaterialView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.materialView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) materialView(rec store.MaterialRecord) MaterialView {
	m := rec.Material
	fp := m.Fingerprint()
	return MaterialView{
		Fingerprint: fp,
		Type:        string(m.Kind),
		Name:        m.DisplayName(),
		Description: m.LongDescription(),
		AutoUpdate:  m.AutoUpdate,
		Pipelines:   rec.Pipelines,
		ConfigRepo:  rec.ConfigRepo,
		InProgress:  s.coordinator.IsInProgress(fp),
		BackingOff:  s.backoff.ShouldBackOff(fp),
	}
}

// HandleInProgress lists running material updates, oldest first
func (s *Server) HandleInProgress(w http.ResponseWriter, r *http.Request) {
	inProgress := s.coordinator.InProgress()
	out := make([]InProgressView, 0, len(inProgress))
	for fp, since := range inProgress {
		out = append(out, InProgressView{Fingerprint: fp, Since: since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	writeJSON(w, http.StatusOK, out)
}

// HandleBackoff lists failure histories by fingerprint
func (s *Server) HandleBackoff(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Failures int    `json:"failures"`
		RetryAt  string `json:"retry_at"`
		Interval string `json:"interval"`
	}
	out := make(map[string]entry)
	for fp, st := range s.backoff.Snapshot() {
		out[fp] = entry{
			Failures: st.Failures,
			RetryAt:  st.RetryAt().UTC().Format(time.RFC3339),
			Interval: st.Interval.String(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleNotify accepts a post-commit notification. Parameters are read from
// the form and, for JSON requests, from the body.
func (s *Server) HandleNotify(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := readJSON(w, r, &params); err != nil {
			return
		}
	} else if err := r.ParseForm(); err == nil {
		for k := range r.Form {
			params[k] = r.Form.Get(k)
		}
	}
	params[mdu.ParamType] = chi.URLParam(r, "type")

	res := s.coordinator.NotifyMaterialsForUpdate(r.Context(), userFrom(r.Context()), params)
	writeJSON(w, res.Status.HTTPCode(), res)
}

// HandleMaterialUpdate triggers a manual update of one material
func (s *Server) HandleMaterialUpdate(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Material(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		writeErrorFor(w, s.log, err, "failed to read material")
		return
	}
	posted, err := s.coordinator.UpdateMaterial(r.Context(), m)
	if err != nil {
		writeErrorFor(w, s.log, err, "failed to schedule update")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"fingerprint": m.Fingerprint(),
		"posted":      posted,
	})
}

// HandlePipelineRuns lists a pipeline's runs in natural order
func (s *Server) HandlePipelineRuns(w http.ResponseWriter, r *http.Request) {
	pipeline := chi.URLParam(r, "pipeline")
	type run struct {
		ID           int64   `json:"id"`
		Counter      int     `json:"counter"`
		NaturalOrder float64 `json:"natural_order"`
	}
	entries := s.timeline.EntriesFor(pipeline)
	runs := make([]run, 0, len(entries))
	for _, e := range entries {
		runs = append(runs, run{ID: e.ID, Counter: e.Counter, NaturalOrder: e.NaturalOrder()})
	}

	resp := map[string]interface{}{"pipeline": pipeline, "runs": runs}
	if err := s.timeline.Halted(pipeline); err != nil {
		resp["halted"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandlePipelineRunAdd records a pipeline run and places it on the timeline
func (s *Server) HandlePipelineRunAdd(w http.ResponseWriter, r *http.Request) {
	pipeline := chi.URLParam(r, "pipeline")
	var req RunRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	revs, err := s.runRevisions(r.Context(), pipeline, req.Revisions)
	if err != nil {
		writeErrorFor(w, s.log, err, "failed to resolve run revisions")
		return
	}
	id, err := s.store.AddPipelineInstance(r.Context(), store.PipelineInstance{
		Pipeline:  pipeline,
		Counter:   req.Counter,
		Revisions: revs,
	})
	if err != nil {
		writeErrorFor(w, s.log, err, "failed to record pipeline run")
		return
	}
	if err := s.timeline.Update(r.Context()); err != nil {
		writeErrorFor(w, s.log, err, "failed to update timeline")
		return
	}

	resp := map[string]interface{}{"id": id, "pipeline": pipeline, "counter": req.Counter}
	for _, e := range s.timeline.EntriesFor(pipeline) {
		if e.ID == id {
			resp["natural_order"] = e.NaturalOrder()
		}
	}
	if err := s.timeline.Halted(pipeline); err != nil {
		resp["halted"] = err.Error()
	}
	s.log.Infow("Pipeline run recorded",
		logger.FieldPipeline, pipeline,
		"counter", req.Counter,
		"materials", len(revs))
	writeJSON(w, http.StatusCreated, resp)
}

// runRevisions converts requested revisions, or falls back to the latest
// modification of each material the pipeline consumes
func (s *Server) runRevisions(ctx context.Context, pipeline string, requested map[string][]RevisionView) (map[string][]material.Revision, error) {
	out := make(map[string][]material.Revision)
	if len(requested) > 0 {
		for fp, views := range requested {
			for _, v := range views {
				if v.Revision == "" || v.Date.IsZero() {
					return nil, errors.NewInvalidRequestError("revision of %s needs a revision and a date", fp)
				}
				out[fp] = append(out[fp], material.Revision{Date: v.Date, Revision: v.Revision, ID: v.ModificationID})
			}
		}
		return out, nil
	}

	recs, err := s.store.Materials(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if !slices.Contains(rec.Pipelines, pipeline) {
			continue
		}
		fp := rec.Material.Fingerprint()
		mod, ok, err := s.store.LatestModification(ctx, fp)
		if err != nil {
			return nil, err
		}
		if ok {
			out[fp] = []material.Revision{{Date: mod.CommittedAt, Revision: mod.Revision, ID: mod.ID}}
		}
	}
	if len(out) == 0 {
		return nil, errors.WithHintf(
			errors.NewInvalidRequestError("no material of pipeline %s has a known modification", pipeline),
			"Pass revisions explicitly or update the pipeline's materials first")
	}
	return out, nil
}

// HandleMaintenance turns maintenance mode on or off
func (s *Server) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if err := s.store.SetMaintenanceMode(r.Context(), req.Enabled); err != nil {
		writeErrorFor(w, s.log, err, "failed to set maintenance mode")
		return
	}
	s.log.Infow("Maintenance mode changed", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}
