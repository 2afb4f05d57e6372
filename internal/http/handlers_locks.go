package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type apiLock struct {
	FilePath   string         `json:"file_path"`
	HolderID   string         `json:"holder_id"`
	Agent      string         `json:"agent"`
	PID        int            `json:"pid"`
	Token      string         `json:"lock_token"`
	State      core.LockState `json:"state"`
	AcquiredAt string         `json:"acquired_at"`
	ExpiresAt  string         `json:"expires_at"`
	AgeSeconds float64        `json:"age_seconds"`
	Overdue    bool           `json:"overdue"`
}

type apiModification struct {
	ID           string  `json:"modification_id"`
	FilePath     string  `json:"file_path"`
	Agent        string  `json:"agent"`
	LockToken    string  `json:"lock_token"`
	BackupID     string  `json:"backup_id,omitempty"`
	OperationID  string  `json:"operation_id,omitempty"`
	StartedAt    string  `json:"started_at"`
	FinishedAt   *string `json:"finished_at,omitempty"`
	Success      bool    `json:"success"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

type locksResponse struct {
	Locks []apiLock `json:"locks"`
}

type historyResponse struct {
	File          string            `json:"file,omitempty"`
	Modifications []apiModification `json:"modifications"`
}

type cleanupResponse struct {
	Reclaimed []apiLock `json:"reclaimed"`
}

type statusResponse struct {
	Locks   []apiLock         `json:"locks"`
	Recent  []apiModification `json:"recent"`
	Store   string            `json:"store"`
	Breaker string            `json:"breaker,omitempty"`
}

func toAPILock(l coord.LockStatus) apiLock {
	return apiLock{
		FilePath:   l.FilePath,
		HolderID:   l.Holder.ID(),
		Agent:      l.Holder.Agent,
		PID:        l.Holder.PID,
		Token:      l.Token,
		State:      l.State,
		AcquiredAt: l.AcquiredAt.Format(time.RFC3339Nano),
		ExpiresAt:  l.ExpiresAt.Format(time.RFC3339Nano),
		AgeSeconds: l.Age.Seconds(),
		Overdue:    l.Overdue,
	}
}

func toAPIModification(m core.ModificationRecord) apiModification {
	api := apiModification{
		ID:           m.ID,
		FilePath:     m.FilePath,
		Agent:        m.Agent,
		LockToken:    m.LockToken,
		BackupID:     m.BackupID,
		OperationID:  m.OperationID,
		StartedAt:    m.StartedAt.Format(time.RFC3339Nano),
		Success:      m.Success,
		ErrorMessage: m.ErrorMessage,
	}
	if m.FinishedAt != nil {
		s := m.FinishedAt.Format(time.RFC3339Nano)
		api.FinishedAt = &s
	}
	return api
}

func toAPILocks(in []coord.LockStatus) []apiLock {
	out := make([]apiLock, 0, len(in))
	for _, l := range in {
		out = append(out, toAPILock(l))
	}
	return out
}

func toAPIModifications(in []core.ModificationRecord) []apiModification {
	out := make([]apiModification, 0, len(in))
	for _, m := range in {
		out = append(out, toAPIModification(m))
	}
	return out
}

func (s *Service) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := s.coord.Status(r.Context(), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locksResponse{Locks: toAPILocks(st.Locks)})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	file := r.URL.Query().Get("file")
	var (
		mods []core.ModificationRecord
		err  error
	)
	if file != "" {
		mods, err = s.coord.History(r.Context(), file, limit)
	} else {
		mods, err = s.coord.Recent(r.Context(), limit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{File: file, Modifications: toAPIModifications(mods)})
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reclaimed, err := s.coord.CleanupStaleLocks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]apiLock, 0, len(reclaimed))
	for _, rec := range reclaimed {
		out = append(out, toAPILock(coord.LockStatus{LockRecord: rec, State: core.LockReclaimed}))
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Reclaimed: out})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := s.coord.Status(r.Context(), r.URL.Query().Get("file"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Locks:   toAPILocks(st.Locks),
		Recent:  toAPIModifications(st.Recent),
		Store:   st.Store,
		Breaker: st.Breaker,
	})
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var se *core.StorageError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &se):
		status = http.StatusServiceUnavailable
	}
	s.log.Error("api request failed", "path", r.URL.Path, "err", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
