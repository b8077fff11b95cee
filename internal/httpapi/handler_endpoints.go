package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/attachd/api"
	"pkt.systems/attachd/internal/attachments"
	"pkt.systems/attachd/internal/delivery"
	"pkt.systems/attachd/internal/svclog"
)

// multipartSlack covers multipart framing on top of the payload cap.
const multipartSlack = 1 << 20

// ToAPI converts a record to its wire form.
func ToAPI(att *attachments.Attachment) api.Attachment {
	out := api.Attachment{
		ID:            att.ID,
		ContentHash:   att.ContentHash,
		MIMEType:      att.MIMEType,
		Status:        string(att.Status),
		Title:         att.Title,
		Size:          att.Size,
		ContextClass:  att.ContextClass,
		ContextID:     att.ContextID,
		CreatedAtUnix: att.CreatedAt.Unix(),
		UpdatedAtUnix: att.UpdatedAt.Unix(),
	}
	if att.HasContent() && att.Status != attachments.StatusRemoved {
		out.ContentURL = BasePath + "/" + att.ID + "/content"
		out.ImageURL = attachments.ImageURL(BasePath, att.ID, 0, 0)
	}
	return out
}

// handleUpload accepts a raw body or a multipart form with a "file" field.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	up := attachments.Upload{
		Title:        q.Get("title"),
		Name:         q.Get("name"),
		ContextClass: q.Get("context_class"),
		ContextID:    q.Get("context_id"),
	}
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartSlack)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_upload", Detail: err.Error()}
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return httpError{Status: http.StatusBadRequest, Code: "invalid_upload", Detail: `multipart field "file" is required`}
			}
			if err != nil {
				return uploadReadError(err)
			}
			if part.FormName() != "file" {
				_ = part.Close()
				continue
			}
			if up.Name == "" {
				up.Name = part.FileName()
			}
			up.Body = part
			break
		}
	} else {
		up.Body = r.Body
	}

	att, err := h.service.Create(r.Context(), up)
	if err != nil {
		return uploadReadError(err)
	}
	h.writeJSON(w, http.StatusCreated, api.UploadResponse{Attachment: ToAPI(att)})
	return nil
}

func uploadReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "upload_too_large", Detail: "upload exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"}
	}
	return err
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) error {
	att, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, ToAPI(att))
	return nil
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) error {
	att, err := h.service.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.RemoveResponse{Attachment: ToAPI(att), Removed: true})
	return nil
}

func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) error {
	resp, err := h.service.Content(r.Context(), r.PathValue("id"), delivery.ConditionsFromRequest(r))
	if err != nil {
		return err
	}
	h.deliver(w, r, resp)
	return nil
}

func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) error {
	maxWidth, err := parseBound(r.PathValue("w"))
	if err != nil {
		return err
	}
	maxHeight, err := parseBound(r.PathValue("h"))
	if err != nil {
		return err
	}
	resp, err := h.service.Image(r.Context(), r.PathValue("id"), maxWidth, maxHeight, delivery.ConditionsFromRequest(r))
	if err != nil {
		return err
	}
	h.deliver(w, r, resp)
	return nil
}

func parseBound(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_bounds", Detail: "image bounds must be non-negative integers"}
	}
	return n, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: err.Error()}
		}
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: h.version})
	return nil
}

// deliver writes resp. Stream failures happen after the status line is sent,
// so they are logged rather than reported to the client.
func (h *Handler) deliver(w http.ResponseWriter, r *http.Request, resp *delivery.Response) {
	if err := delivery.Write(w, resp); err != nil {
		svclog.FromContext(r.Context(), h.logger).Warn("http.delivery.write_error", "etag", resp.ETag, "error", err)
	}
}
