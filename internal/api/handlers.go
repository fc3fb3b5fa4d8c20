package api

import (
	"encoding/json"
	"net/http"

	"github.com/convos/agent-pool-manager/internal/claim"
	"github.com/convos/agent-pool-manager/internal/poolerrors"
	"github.com/convos/agent-pool-manager/internal/status"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":     s.deps.Version,
		"environment": s.deps.Config.EnvironmentTag,
	})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Counts())
}

// agentView is the display-field shape of one claimed instance, returned
// by GET /pool/agents (spec §6.1).
type agentView struct {
	InstanceID     string `json:"instanceId"`
	AgentName      string `json:"agentName"`
	ConversationID string `json:"conversationId"`
	InviteURL      string `json:"inviteUrl,omitempty"`
	Instructions   string `json:"instructions"`
	BaseURL        string `json:"baseUrl"`
	ClaimedAt      string `json:"claimedAt"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]agentView, 0)
	for _, inst := range s.deps.Cache.List() {
		if inst.State != status.Claimed {
			continue
		}
		out = append(out, agentView{
			InstanceID:     inst.ID,
			AgentName:      inst.AgentName,
			ConversationID: inst.ConversationID,
			InviteURL:      inst.InviteURL,
			Instructions:   inst.Instructions,
			BaseURL:        inst.BaseURL,
			ClaimedAt:      inst.ClaimedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDashboardPlaceholder stands in for the dashboard HTML, which is
// an external collaborator out of scope for this control plane (spec
// §1). It exists only so GET / returns something other than a bare 404.
func (s *Server) handleDashboardPlaceholder(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("agent pool manager control plane — see /pool/status\n"))
}

type claimRequest struct {
	AgentName    string `json:"agentName"`
	Instructions string `json:"instructions"`
	JoinURL      string `json:"joinUrl"`
}

type claimResponse struct {
	InviteURL      string `json:"inviteUrl,omitempty"`
	ConversationID string `json:"conversationId"`
	InstanceID     string `json:"instanceId"`
	Joined         bool   `json:"joined"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agentName is required")
		return
	}
	if body.Instructions == "" {
		writeError(w, http.StatusBadRequest, "instructions is required")
		return
	}

	result, err := s.deps.Coordinator.Claim(r.Context(), claim.Request{
		AgentName:    body.AgentName,
		Instructions: body.Instructions,
		JoinURL:      body.JoinURL,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		InviteURL:      result.InviteURL,
		ConversationID: result.ConversationID,
		InstanceID:     result.InstanceID,
		Joined:         result.Joined,
	})
}

type countRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleReplenish(w http.ResponseWriter, r *http.Request) {
	var body countRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Count <= 0 {
		writeError(w, http.StatusBadRequest, "count must be > 0")
		return
	}

	n := body.Count
	if headroom := s.deps.Config.MaxTotal() - s.deps.Cache.Total(); headroom < n {
		n = headroom
	}

	created := 0
	for i := 0; i < n; i++ {
		if _, err := s.deps.Provisioner.CreateInstance(r.Context()); err != nil {
			s.deps.Log.Error("manual replenish: create_instance failed", "error", err)
			break
		}
		created++
	}
	writeJSON(w, http.StatusOK, map[string]int{"requested": body.Count, "created": created})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var body countRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Count <= 0 {
		writeError(w, http.StatusBadRequest, "count must be > 0")
		return
	}

	destroyed := 0
	for _, inst := range s.deps.Cache.ListIdle() {
		if destroyed >= body.Count {
			break
		}
		if s.deps.Claims.Contains(inst.ServiceID) {
			continue
		}
		if err := s.deps.Coordinator.Destroy(r.Context(), inst.ID); err != nil {
			s.deps.Log.Error("drain: destroy failed", "instance_id", inst.ID, "error", err)
			continue
		}
		destroyed++
	}
	writeJSON(w, http.StatusOK, map[string]int{"requested": body.Count, "destroyed": destroyed})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.deps.Reconciler.TriggerTick(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRecycleOrDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Coordinator.Recycle(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recycled"})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Coordinator.Destroy(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// handleDismissCrashed deletes the metadata row and cache entry for a
// user-dismissed crashed instance (spec §6.1, §7). While the crashed
// service is still listed by the provider and its metadata row exists,
// the reconciler keeps rewriting the entry as crashed; it drops the entry
// only once the service is gone from the listing.
func (s *Server) handleDismissCrashed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, ok := s.deps.Cache.Get(id)
	if !ok {
		writeErr(w, poolerrors.NotFound("instance not found: "+id))
		return
	}
	if inst.State != status.Crashed {
		writeError(w, http.StatusBadRequest, "instance is not in the crashed state")
		return
	}
	if err := s.deps.Meta.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	s.deps.Cache.Remove(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":    s.deps.Cache.Counts(),
		"instances": s.deps.Cache.List(),
	})
}
