package deid

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/deid/internal/phi"
	"github.com/ehr/deid/internal/platform/blobstore"
	"github.com/ehr/deid/internal/platform/fault"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/upload", h.Upload)
	g.GET("/download/:artifactRef", h.Download)
	g.GET("/download-original/:recordId", h.DownloadOriginal)
	g.GET("/reidentify/:fileReference", h.Reidentify)
	g.GET("/records/:recordId/fields", h.RecordFields)
	g.DELETE("/records/:recordId", h.Erase)
}

// UploadResponse is the body of a successful upload.
type UploadResponse struct {
	Message          string `json:"message"`
	DeidentifiedFile string `json:"deidentifiedFile"`
	RecordID         string `json:"recordId"`
}

// Upload handles POST /upload with a multipart "file" field.
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "No file uploaded"})
	}

	src, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to open uploaded file"})
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, blobstore.MaxFileSize+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read uploaded file"})
	}
	if int64(len(content)) > blobstore.MaxFileSize {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": blobstore.ErrFileTooLarge.Error()})
	}

	res, err := h.svc.Deidentify(c.Request().Context(), phi.Document{Name: fh.Filename, Content: content})
	if err != nil {
		return errorJSON(c, err, "De-identification failed")
	}
	return c.JSON(http.StatusOK, UploadResponse{
		Message:          "File de-identified and stored successfully",
		DeidentifiedFile: res.DeidentifiedRef,
		RecordID:         res.RecordID,
	})
}

// Download handles GET /download/:artifactRef.
func (h *Handler) Download(c echo.Context) error {
	art, err := h.svc.Redacted(c.Request().Context(), c.Param("artifactRef"))
	if err != nil {
		return artifactError(c, err)
	}
	return blobstore.Attachment(c, echo.MIMETextPlain, art.FileName, bytes.NewReader(art.Content))
}

// DownloadOriginal handles GET /download-original/:recordId.
func (h *Handler) DownloadOriginal(c echo.Context) error {
	art, err := h.svc.Original(c.Request().Context(), c.Param("recordId"))
	if err != nil {
		return artifactError(c, err)
	}
	return blobstore.Attachment(c, echo.MIMETextPlain, art.FileName, bytes.NewReader(art.Content))
}

// Reidentify handles GET /reidentify/:fileReference.
func (h *Handler) Reidentify(c echo.Context) error {
	out, err := h.svc.ReidentifyByReference(c.Request().Context(), c.Param("fileReference"))
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "No data found for this file"})
		}
		return errorJSON(c, err, "Reidentification failed")
	}
	return c.JSON(http.StatusOK, out)
}

// RecordFields handles GET /records/:recordId/fields.
func (h *Handler) RecordFields(c echo.Context) error {
	out, err := h.svc.Reidentify(c.Request().Context(), c.Param("recordId"))
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "record not found"})
		}
		return errorJSON(c, err, "Reidentification failed")
	}
	return c.JSON(http.StatusOK, out)
}

// Erase handles DELETE /records/:recordId.
func (h *Handler) Erase(c echo.Context) error {
	if err := h.svc.Erase(c.Request().Context(), c.Param("recordId")); err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return errorJSON(c, err, "Erasure failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// artifactError answers a failed download. Unknown references get a bare 404.
func artifactError(c echo.Context, err error) error {
	if fault.Is(err, fault.KindNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	return errorJSON(c, err, "Download failed")
}

// errorJSON writes {error, details}. Details name the failing stage and
// kind only; wrapped error text can carry document content and is logged
// instead.
func errorJSON(c echo.Context, err error, msg string) error {
	kind := fault.KindOf(err)
	body := map[string]string{"error": msg}

	var se *StageError
	switch {
	case errors.As(err, &se):
		body["details"] = se.Stage.String() + ": " + kind.String()
	case kind != fault.KindUnknown:
		body["details"] = kind.String()
	}
	return c.JSON(fault.HTTPStatus(kind), body)
}
