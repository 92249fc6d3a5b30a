// progress.go - Internal read-only Progress API (§4.H), a plain
// projection of the Upload Metadata Store for operators and UIs.
package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"uploadsvc/internal/store"
)

type progressView struct {
	UploadURI        string  `json:"uploadURI"`
	FileName         string  `json:"fileName"`
	TotalSize        int64   `json:"totalSize"`
	Offset           int64   `json:"offset"`
	Status           string  `json:"status"`
	ObjectKey        string  `json:"objectKey,omitempty"`
	ChecksumVerified bool    `json:"checksumVerified"`
	CallbackSent     bool    `json:"callbackSent"`
	Percent          float64 `json:"percent"`
}

func toProgressView(fi store.FileInfo) progressView {
	var percent float64
	if fi.TotalSize > 0 {
		percent = math.Round(float64(fi.Offset)/float64(fi.TotalSize)*100*100) / 100
	}
	return progressView{
		UploadURI:        fi.UploadURI,
		FileName:         fi.FileName,
		TotalSize:        fi.TotalSize,
		Offset:           fi.Offset,
		Status:           string(fi.Status),
		ObjectKey:        fi.ObjectKey,
		ChecksumVerified: fi.ChecksumVerified,
		CallbackSent:     fi.CallbackSent,
		Percent:          percent,
	}
}

// progressListHandler handles GET /api/progress/list.
func (s *Server) progressListHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.metadata.FindAll(r.Context())
	if err != nil {
		http.Error(w, "failed to load progress", http.StatusInternalServerError)
		return
	}
	views := make([]progressView, 0, len(rows))
	for _, fi := range rows {
		views = append(views, toProgressView(fi))
	}
	writeJSON(w, http.StatusOK, views)
}

// progressOneHandler handles GET /api/progress/<uri>.
func (s *Server) progressOneHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	if id == "" || id == "list" {
		http.NotFound(w, r)
		return
	}
	uploadURI := "/files/" + id

	fi, err := s.metadata.FindByURI(r.Context(), uploadURI)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "failed to load progress", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toProgressView(fi))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
