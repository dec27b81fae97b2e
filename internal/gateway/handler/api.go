package handler

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"xrayscope/internal/apperr"
	"xrayscope/internal/gateway/service/analysis"
	"xrayscope/internal/imaging"
)

// APIHandler serves the JSON endpoints.
type APIHandler struct {
	svc      *analysis.Service
	maxBytes int64
	log      *zap.Logger
}

func NewAPIHandler(svc *analysis.Service, maxBytes int64, log *zap.Logger) *APIHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIHandler{svc: svc, maxBytes: maxBytes, log: log}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HandleClassify accepts a multipart "image" field or a raw image body.
func (h *APIHandler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+formSlack)

	var (
		body     io.Reader = r.Body
		filename           = strings.TrimSpace(r.URL.Query().Get("filename"))
	)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		file, header, err := r.FormFile("image")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Kind: "request", Message: "multipart field \"image\" is required"})
			return
		}
		defer file.Close()
		body, filename = file, header.Filename
	}

	res, err := h.svc.ClassifyImage(r.Context(), body, filename)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Kind: "request", Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := h.svc.History(r.Context(), limit)
	if err != nil {
		h.log.Error("read history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Kind: "internal", Message: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": recs})
}

// HandleReload drops the held classifier and provisions again.
func (h *APIHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reload(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, imaging.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Kind: apperr.KindClassify.String(), Message: "image exceeds the upload limit"})
	case analysis.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Kind: apperr.KindProvision.String(), Message: err.Error()})
	case apperr.IsClassify(err):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Kind: apperr.KindClassify.String(), Message: causeText(err)})
	default:
		h.log.Error("api request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
