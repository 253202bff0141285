package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/ingest"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/store"
	"github.com/djkubo/admin-hub-sub004/internal/sync"
	"github.com/djkubo/admin-hub-sub004/internal/validation"
)

const defaultMaxUpload = 32 << 20

// decodeBody decodes an optional JSON body into v. An empty body is valid.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON body: %w", err)
}

func triggerStatus(err error) int {
	switch {
	case errors.Is(err, sync.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrUnknownSource):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req sync.TriggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		resp, err := h.syncManager.TriggerAsync(r.Context(), req)
		if err != nil {
			writeError(w, triggerStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	h.trigger(w, r, req)
}

type cancelRequest struct {
	SyncRunID string   `json:"syncRunId" validate:"omitempty,uuid"`
	Sources   []string `json:"sources" validate:"omitempty,dive,required"`
}

// CancelSync cancels one run by syncRunId, or the active runs keyed by the
// given sources. Sources match exact run tags: each listed source and, for
// several sources, their combined tag. A run over a wider source set, such
// as csv,webhook when only csv is listed, keeps running and must be
// cancelled by its id or its full source list. The matched tags are
// returned as cancelledTags.
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SyncRunID == "" && len(req.Sources) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("syncRunId or sources is required"))
		return
	}

	h.trigger(w, r, sync.TriggerRequest{
		SyncRunID:   req.SyncRunID,
		Sources:     req.Sources,
		ForceCancel: true,
	})
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, req sync.TriggerRequest) {
	resp, err := h.syncManager.Trigger(r.Context(), req)
	if err != nil {
		status := triggerStatus(err)
		if status == http.StatusInternalServerError {
			logger.Log.Error("Trigger failed", zap.Error(err))
		}
		writeError(w, status, err)
		return
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	runs, err := h.store.ListRuns(r.Context(), r.URL.Query().Get("source"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runs": views})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", sync.ErrRunNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": newRunView(run)})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	resolved := r.URL.Query().Get("resolved") == "true"

	conflicts, err := h.store.ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]conflictView, 0, len(conflicts))
	for _, c := range conflicts {
		views = append(views, newConflictView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "conflicts": views})
}

type resolveRequest struct {
	Strategy string          `json:"strategy" validate:"required,oneof=keep_existing use_inbound manual"`
	Data     json.RawMessage `json:"data"`
}

// ResolveConflict records a reviewer's decision. It never changes the client;
// applying the decision is the reviewer's follow-up.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := chi.URLParam(r, "id")
	err := h.store.ResolveConflict(r.Context(), id, req.Strategy, req.Data)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("conflict %s not found or already resolved", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	logger.Log.Info("Conflict resolved", zap.String("conflict_id", id), zap.String("strategy", req.Strategy))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

type ingestResponse struct {
	OK       bool   `json:"ok"`
	Source   string `json:"source"`
	ImportID string `json:"importId,omitempty"`
	*ingest.Summary
}

func (h *Handler) maxUpload() int64 {
	if h.cfg.MaxUploadBytes > 0 {
		return h.cfg.MaxUploadBytes
	}
	return defaultMaxUpload
}

// IngestCSV stages an uploaded CSV as one import batch. The file is either
// the "file" part of a multipart form or the raw request body.
func (h *Handler) IngestCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload())

	importID := r.URL.Query().Get("import_id")
	if importID == "" {
		importID = uuid.NewString()
	}

	body := io.Reader(r.Body)
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing file part: %w", err))
			return
		}
		defer file.Close()
		body = file
	}

	summary, err := h.stager.StageCSV(r.Context(), body, importID)
	if err != nil {
		// A summary means the upload parsed and the store failed mid-way.
		status := http.StatusBadRequest
		if summary != nil {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{OK: true, Source: ingest.CSVSource, ImportID: importID, Summary: summary})
}

// IngestEvents stages pushed contact events for a staging source. The body
// is one event or an array of events.
func (h *Handler) IngestEvents(w http.ResponseWriter, r *http.Request) {
	src := chi.URLParam(r, "source")
	if !h.staging[src] {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", sync.ErrUnknownSource, src))
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload()))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var events []ingest.ContactEvent
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var e ingest.ContactEvent
		err = json.Unmarshal(raw, &e)
		events = append(events, e)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	summary, err := h.stager.StageEvents(r.Context(), src, events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{OK: true, Source: src, Summary: summary})
}
