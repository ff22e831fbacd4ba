package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"quackrelay/internal/domain"
)

func registerFileRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("POST /api/files", handleUploadBlob(deps))
	mux.HandleFunc("GET /api/files/{id}", handleGetBlob(deps))
	mux.HandleFunc("GET /api/files/{id}/meta", handleGetBlobMeta(deps))
	mux.HandleFunc("DELETE /api/files/{id}", handleDeleteBlob(deps))
}

type uploadBlobRequest struct {
	Name     string         `json:"name"`
	Type     domain.BlobType `json:"type"`
	MimeType string         `json:"mimeType"`
	Content  string         `json:"content"` // base64-encoded payload
}

func handleUploadBlob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req uploadBlobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.NewDomainError("httpapi.UploadBlob", domain.ErrValidation, "malformed JSON body"))
			return
		}
		payload, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeError(w, domain.NewDomainError("httpapi.UploadBlob", domain.ErrValidation, "content must be base64"))
			return
		}
		blob, err := deps.Blobs.Upload(r.Context(), req.Name, payload, req.Type, req.MimeType)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, blob)
	}
}

func handleGetBlob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, payload, err := deps.Blobs.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		contentType := meta.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+meta.Name+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}
}

func handleGetBlobMeta(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := deps.Blobs.GetMeta(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

func handleDeleteBlob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Blobs.Delete(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
