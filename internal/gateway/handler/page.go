package handler

import (
	"embed"
	"encoding/base64"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"xrayscope/internal/apperr"
	"xrayscope/internal/gateway/repository/upload"
	"xrayscope/internal/gateway/service/analysis"
	"xrayscope/internal/gateway/service/progress"
	"xrayscope/internal/provision"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// multipart overhead allowed on top of the image limit
const formSlack = 1 << 20

// PageHandler serves the upload / analyze UI.
type PageHandler struct {
	svc      *analysis.Service
	progress *progress.Broadcaster
	maxBytes int64
	log      *zap.Logger
}

func NewPageHandler(svc *analysis.Service, progress *progress.Broadcaster, maxBytes int64, log *zap.Logger) *PageHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageHandler{svc: svc, progress: progress, maxBytes: maxBytes, log: log}
}

type uploadView struct {
	ID      string
	Preview template.URL
}

type pageView struct {
	Events      []provision.Event
	Loading     bool
	Unavailable bool
	Upload      *uploadView
	Result      *analysis.Result
	Error       string
}

func (h *PageHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, h.view())
}

func (h *PageHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+formSlack)
	v := h.view()
	if v.Loading || v.Unavailable {
		h.render(w, http.StatusServiceUnavailable, v)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		v.Error = "no image uploaded"
		h.render(w, http.StatusBadRequest, v)
		return
	}
	defer file.Close()

	u, err := h.svc.Upload(r.Context(), file, header.Filename)
	if err != nil {
		v.Error = causeText(err)
		h.render(w, http.StatusUnprocessableEntity, v)
		return
	}
	v.Upload = previewOf(u)
	h.render(w, http.StatusOK, v)
}

func (h *PageHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	v := h.view()
	if v.Loading || v.Unavailable {
		h.render(w, http.StatusServiceUnavailable, v)
		return
	}
	id := strings.TrimSpace(r.FormValue("upload_id"))
	if u, err := h.svc.Lookup(id); err == nil {
		v.Upload = previewOf(u)
	}
	res, err := h.svc.Analyze(r.Context(), id)
	if err != nil {
		if analysis.IsUnavailable(err) {
			v = h.view()
			v.Unavailable = true
			h.render(w, http.StatusServiceUnavailable, v)
			return
		}
		v.Error = causeText(err)
		h.render(w, http.StatusUnprocessableEntity, v)
		return
	}
	v.Result = res
	h.render(w, http.StatusOK, v)
}

func (h *PageHandler) view() pageView {
	v := pageView{}
	if h.progress != nil {
		v.Events = h.progress.Events()
	}
	if h.svc != nil {
		switch h.svc.State() {
		case provision.StateReady:
		case provision.StateFailed:
			v.Unavailable = true
		default:
			v.Loading = true
		}
	}
	return v
}

func (h *PageHandler) render(w http.ResponseWriter, status int, v pageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, v); err != nil {
		h.log.Error("render page", zap.Error(err))
	}
}

func previewOf(u *upload.Upload) *uploadView {
	mime := "image/png"
	if u.Format == "jpeg" {
		mime = "image/jpeg"
	}
	return &uploadView{
		ID:      u.ID,
		Preview: template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(u.Raw)),
	}
}

// causeText strips the kind prefix so the banner shows only the cause.
func causeText(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Err != nil {
		return ae.Err.Error()
	}
	return err.Error()
}
