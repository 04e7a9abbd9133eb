package deid

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/deid/internal/phi"
)

func newTestHandler(t *testing.T, o harnessOpts) (*Handler, *harness, *echo.Echo) {
	t.Helper()
	h := newHarness(t, o)
	handler := NewHandler(h.svc)
	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	return handler, h, e
}

func multipartUpload(t *testing.T, field, fileName, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func uploadFile(t *testing.T, e *echo.Echo, content string) UploadResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartUpload(t, "file", "note.txt", content))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func get(e *echo.Echo, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandler_UploadAndDownload(t *testing.T) {
	_, _, e := newTestHandler(t, harnessOpts{})

	resp := uploadFile(t, e, janeDoe)
	assert.Equal(t, "File de-identified and stored successfully", resp.Message)
	assert.NotEmpty(t, resp.RecordID)
	assert.NotEmpty(t, resp.DeidentifiedFile)

	rec := get(e, "/download/"+resp.DeidentifiedFile)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMETextPlain))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "attachment")
	for _, leaked := range []string{"Jane Doe", "01/02/1980", "123-45-6789"} {
		assert.NotContains(t, rec.Body.String(), leaked)
	}

	rec = get(e, "/download-original/"+resp.RecordID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, janeDoe, rec.Body.String())
}

func TestHandler_UploadNoFile(t *testing.T) {
	_, h, e := newTestHandler(t, harnessOpts{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartUpload(t, "document", "note.txt", janeDoe))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"No file uploaded"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	h.assertNothingStored(t)
}

func TestHandler_UploadPipelineFailure(t *testing.T) {
	_, h, e := newTestHandler(t, harnessOpts{redactor: fakeRedactor{
		execute: func(context.Context, phi.Document) (*phi.RedactionResult, error) {
			return nil, phi.ErrCommandTimeout
		},
	}})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartUpload(t, "file", "note.txt", janeDoe))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "De-identification failed", body["error"])
	assert.Equal(t, "redacted: external_process", body["details"])
	h.assertNothingStored(t)
}

func TestHandler_IdenticalUploads(t *testing.T) {
	_, _, e := newTestHandler(t, harnessOpts{})
	a := uploadFile(t, e, janeDoe)
	b := uploadFile(t, e, janeDoe)
	assert.NotEqual(t, a.RecordID, b.RecordID)
	assert.NotEqual(t, a.DeidentifiedFile, b.DeidentifiedFile)
}

func TestHandler_DownloadNotFound(t *testing.T) {
	_, _, e := newTestHandler(t, harnessOpts{})
	resp := uploadFile(t, e, janeDoe)

	tests := []struct {
		name   string
		target string
	}{
		{"unknown artifact", "/download/00000000-0000-4000-8000-000000000000"},
		{"malformed artifact ref", "/download/not-a-ref"},
		{"unknown record", "/download-original/00000000-0000-4000-8000-000000000000"},
		{"malformed record id", "/download-original/%27%3B%20DROP"},
		{"artifact ref as record id", "/download-original/" + resp.DeidentifiedFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(e, tt.target)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestHandler_Reidentify(t *testing.T) {
	_, _, e := newTestHandler(t, harnessOpts{})
	resp := uploadFile(t, e, janeDoe)

	for _, target := range []string{
		"/reidentify/" + resp.DeidentifiedFile,
		"/records/" + resp.RecordID + "/fields",
	} {
		rec := get(e, target)
		require.Equal(t, http.StatusOK, rec.Code, target)

		var body struct {
			RecordID string             `json:"recordId"`
			Fields   map[string]*string `json:"fields"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, resp.RecordID, body.RecordID)
		require.NotNil(t, body.Fields["name"])
		assert.Equal(t, "Jane Doe", *body.Fields["name"])
		require.NotNil(t, body.Fields["identification_number"])
		assert.Equal(t, "123-45-6789", *body.Fields["identification_number"])
		assert.Nil(t, body.Fields["email"])
	}
}

func TestHandler_ReidentifyNotFound(t *testing.T) {
	_, _, e := newTestHandler(t, harnessOpts{})

	rec := get(e, "/reidentify/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"No data found for this file"}`, rec.Body.String())

	rec = get(e, "/records/unknown/fields")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ReidentifyDecryptionFailure(t *testing.T) {
	_, h, e := newTestHandler(t, harnessOpts{})
	resp := uploadFile(t, e, janeDoe)

	r, err := h.ledger.GetByRecordID(context.Background(), resp.RecordID)
	require.NoError(t, err)
	require.NoError(t, h.keys.Delete(context.Background(), r.Bundle.KeyRef))

	rec := get(e, "/reidentify/"+resp.DeidentifiedFile)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Jane")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "decryption", body["details"])
}

func TestHandler_Erase(t *testing.T) {
	_, h, e := newTestHandler(t, harnessOpts{})
	resp := uploadFile(t, e, janeDoe)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/records/"+resp.RecordID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	h.assertNothingStored(t)

	assert.Equal(t, http.StatusNotFound, get(e, "/download/"+resp.DeidentifiedFile).Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/records/"+resp.RecordID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
