package app

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cam3ron2/scm-ingest/internal/backfill"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"go.uber.org/zap"
)

type syncTriggerer interface {
	Trigger(repoURL, branch, reason string) backfill.EnqueueResult
}

type syncTriggerRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
}

type syncTriggerResponse struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// newSyncTriggerHandler queues a manual sync for a registered repository. The target comes
// from a JSON body or from repo_url and branch query parameters.
func newSyncTriggerHandler(triggerer syncTriggerer, registrations store.RegistrationStore, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncTriggerRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, syncTriggerResponse{Status: "rejected", Error: "invalid json body"})
				return
			}
		}
		if req.RepoURL == "" {
			req.RepoURL = r.URL.Query().Get("repo_url")
		}
		if req.Branch == "" {
			req.Branch = r.URL.Query().Get("branch")
		}
		req.RepoURL = strings.TrimSpace(req.RepoURL)
		req.Branch = strings.TrimSpace(req.Branch)

		resp := syncTriggerResponse{RepoURL: req.RepoURL, Branch: req.Branch}
		if req.RepoURL == "" || req.Branch == "" {
			resp.Status = "rejected"
			resp.Error = "repo_url and branch are required"
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}

		_, found, err := registrations.FindRegistration(r.Context(), req.RepoURL, req.Branch)
		if err != nil {
			logger.Warn("sync trigger registration lookup failed", zap.String("repo_url", req.RepoURL), zap.Error(err))
			resp.Status = "failed"
			resp.Error = "registration lookup failed"
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
		if !found {
			resp.Status = "rejected"
			resp.Error = model.NotRegisteredError(req.RepoURL, req.Branch).Error()
			writeJSON(w, http.StatusNotFound, resp)
			return
		}

		result := triggerer.Trigger(req.RepoURL, req.Branch, backfill.ReasonManual)
		switch {
		case result.Published:
			resp.Status = "queued"
			writeJSON(w, http.StatusAccepted, resp)
		case result.DedupSuppressed:
			resp.Status = "deduplicated"
			writeJSON(w, http.StatusOK, resp)
		case result.DroppedByRateLimit:
			resp.Status = "rate_limited"
			writeJSON(w, http.StatusTooManyRequests, resp)
		default:
			resp.Status = "failed"
			if result.Err != nil {
				resp.Error = result.Err.Error()
			}
			writeJSON(w, http.StatusServiceUnavailable, resp)
		}
	})
}

type registrationsResponse struct {
	Registrations []model.RepositoryRegistration `json:"registrations"`
}

func newRegistrationsHandler(registrations store.RegistrationStore, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		regs, err := registrations.ListRegistrations(r.Context())
		if err != nil {
			logger.Warn("list registrations failed", zap.Error(err))
			http.Error(w, "list registrations failed", http.StatusInternalServerError)
			return
		}
		if regs == nil {
			regs = []model.RepositoryRegistration{}
		}
		writeJSON(w, http.StatusOK, registrationsResponse{Registrations: regs})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:gosec // Response payload is server-generated JSON.
	if _, err := w.Write(payload); err != nil {
		return
	}
}
