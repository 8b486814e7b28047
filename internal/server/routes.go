package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/engramdb/engram/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrPathNotFound), errors.Is(err, types.ErrUnknownSnapshot):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrNonFastForward), errors.Is(err, types.ErrQuarantined):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lobe    string `json:"lobe"`
		Key     string `json:"key"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content required"}`, http.StatusBadRequest)
		return
	}

	id, err := s.store.Remember(req.Lobe, req.Key, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prefer := types.ParsePrefer(r.URL.Query().Get("prefer"))

	content, src, ok, err := s.store.Recall(id, prefer)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"content": string(content),
		"source":  src.String(),
	})
}

func (s *Server) handleRecallMany(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []string `json:"ids"`
		Prefer string   `json:"prefer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	results, err := s.store.RecallMany(req.IDs, types.ParsePrefer(req.Prefer))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"id":      res.ID,
			"content": string(res.Content),
			"source":  res.Source.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleSetScore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if err := s.store.SetValueScore(id, req.Score); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	switch req.Tier {
	case "archive":
		cid, err := s.store.PromoteToArchive(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cid": cid})
	case "dag":
		ref, err := s.store.PromoteToDAG(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ref": ref})
	default:
		http.Error(w, `{"error":"tier must be archive or dag"}`, http.StatusBadRequest)
	}
}

func (s *Server) handleListPaths(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.Paths()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": names})
}

func (s *Server) handlePathHead(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	head, ok, err := s.store.PathHead(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "path not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "head": head})
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Base string `json:"base"`
		Lobe string `json:"lobe"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, `{"error":"name required"}`, http.StatusBadRequest)
		return
	}

	id, err := s.store.Branch(req.Name, req.Base, req.Lobe)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": id})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Content string     `json:"content"`
		Meta    types.Meta `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	hash, err := s.store.Append(name, req.Content, req.Meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"head": hash})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	head, err := s.store.Consolidate(req.Src, req.Dst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"head": head})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Main    string `json:"main"`
		Feature string `json:"feature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	hash, err := s.store.Reconcile(req.Main, req.Feature)
	if errors.Is(err, types.ErrQuarantined) {
		// The merge node exists for audit but no head moved.
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
			"hash":  hash,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"head": hash})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	node, ok, err := s.store.NodeByHash(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keep int `json:"keep"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Keep < 0 {
		http.Error(w, `{"error":"keep must be >= 0"}`, http.StatusBadRequest)
		return
	}

	report, err := s.store.Prune(req.Keep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.AuditTail(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
