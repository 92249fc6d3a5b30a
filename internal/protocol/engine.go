// Package protocol implements the TUS 1.0.0 verb surface (the Protocol
// Engine), grounded on the teacher's resumable.go handler skeleton and
// tusd's unrouted_handler.go for the verb algorithm and error taxonomy.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"uploadsvc/internal/logging"
	"uploadsvc/internal/protoerr"
	"uploadsvc/internal/staging"
	"uploadsvc/internal/store"
)

const (
	tusVersion    = "1.0.0"
	tusExtensions = "creation,termination,checksum,expiration"
)

// Completer runs the Completion Pipeline (§4.E) for an upload that has
// just reached offset == totalSize. It is invoked synchronously from
// Append, before the 204 response is written, so a client observing
// success also observes a definite completed/transferred-or-failed
// outcome on its next INSPECT.
type Completer interface {
	Complete(ctx context.Context, uploadURI string) error
}

// Config bounds what the engine will accept.
type Config struct {
	MaxUploadSize     int64
	AllowedExtensions []string // empty means no extension restriction
}

// Engine implements the five TUS verbs against a MetadataStore and a
// staging.Store, handing off to a Completer once an upload reaches its
// terminal offset.
type Engine struct {
	Metadata  store.MetadataStore
	Staging   *staging.Store
	Completer Completer
	Config    Config
}

func New(metadata store.MetadataStore, stg *staging.Store, completer Completer, cfg Config) *Engine {
	return &Engine{Metadata: metadata, Staging: stg, Completer: completer, Config: cfg}
}

// Discover handles OPTIONS /files.
func (e *Engine) Discover(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	if e.Config.MaxUploadSize > 0 {
		w.Header().Set("Tus-Max-Size", strconv.FormatInt(e.Config.MaxUploadSize, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Create handles POST /files.
func (e *Engine) Create(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)

	lengthHeader := r.Header.Get("Upload-Length")
	if lengthHeader == "" {
		writeError(w, protoerr.New(protoerr.Internal, "Upload-Length header required"))
		return
	}
	totalSize, err := strconv.ParseInt(lengthHeader, 10, 64)
	if err != nil || totalSize < 0 {
		writeError(w, protoerr.New(protoerr.Internal, "invalid Upload-Length"))
		return
	}
	if e.Config.MaxUploadSize > 0 && totalSize > e.Config.MaxUploadSize {
		writeError(w, protoerr.New(protoerr.PayloadTooLarge, "upload exceeds Tus-Max-Size"))
		return
	}

	meta := parseUploadMetadata(r.Header.Get("Upload-Metadata"))
	fileName := meta["filename"]
	if fileName != "" && !e.extensionAllowed(fileName) {
		writeError(w, protoerr.New(protoerr.ExtensionRejected, "file extension not allowed"))
		return
	}
	if fileName == "" {
		fileName = "upload.bin"
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	uploadURI := "/files/" + id

	if err := e.Staging.Create(id); err != nil {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "create staging file", err))
		return
	}

	now := time.Now().UTC()
	fi := store.FileInfo{
		UploadURI:        uploadURI,
		FileName:         fileName,
		TotalSize:        totalSize,
		Offset:           0,
		Status:           store.StatusUploading,
		ExpectedChecksum: meta["checksum"],
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Metadata.Insert(r.Context(), fi); err != nil {
		// Roll back the staging file so a failed CREATE leaves nothing
		// behind for the sweeper to find.
		_ = e.Staging.Delete(id)
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "insert upload metadata", err))
		return
	}

	w.Header().Set("Location", uploadURI)
	w.Header().Set("Upload-Offset", "0")
	w.WriteHeader(http.StatusCreated)
}

// Inspect handles HEAD /files/<id>.
func (e *Engine) Inspect(w http.ResponseWriter, r *http.Request, uploadURI string) {
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Cache-Control", "no-store")

	fi, err := e.Metadata.FindByURI(r.Context(), uploadURI)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, protoerr.New(protoerr.NotFound, "unknown upload"))
		return
	}
	if err != nil {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "lookup upload", err))
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(fi.Offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(fi.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
}

// Append handles PATCH /files/<id>.
func (e *Engine) Append(w http.ResponseWriter, r *http.Request, uploadURI string) {
	w.Header().Set("Tus-Resumable", tusVersion)

	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		writeError(w, protoerr.New(protoerr.MediaTypeUnsupported, "Content-Type must be application/offset+octet-stream"))
		return
	}
	offsetHeader := r.Header.Get("Upload-Offset")
	if offsetHeader == "" {
		http.Error(w, "Upload-Offset header required", http.StatusBadRequest)
		return
	}
	claimedOffset, err := strconv.ParseInt(offsetHeader, 10, 64)
	if err != nil || claimedOffset < 0 {
		writeError(w, protoerr.New(protoerr.Internal, "invalid Upload-Offset"))
		return
	}

	ctx := r.Context()
	fi, err := e.Metadata.FindByURI(ctx, uploadURI)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, protoerr.New(protoerr.NotFound, "unknown upload"))
		return
	}
	if err != nil {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "lookup upload", err))
		return
	}
	if fi.Status != store.StatusUploading {
		writeConflict(w, fi.Offset)
		return
	}
	if claimedOffset != fi.Offset {
		writeConflict(w, fi.Offset)
		return
	}

	id := strings.TrimPrefix(uploadURI, "/files/")
	remaining := fi.TotalSize - fi.Offset
	limited := io.LimitReader(r.Body, remaining)

	n, err := e.Staging.AppendAt(ctx, id, fi.Offset, limited)
	if err != nil && !errors.Is(err, staging.ErrOffsetMismatch) {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "append chunk", err))
		return
	}
	if errors.Is(err, staging.ErrOffsetMismatch) {
		// The durable offset and the staging file disagree; surface the
		// file's actual size so the client can resync via INSPECT.
		length, _ := e.Staging.Length(id)
		writeConflict(w, length)
		return
	}

	fi.Offset += n
	if err := e.Metadata.Save(ctx, fi); err != nil {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "save offset", err))
		return
	}

	if fi.Offset == fi.TotalSize {
		completed, err := e.Metadata.CompleteIfOffsetMatches(ctx, uploadURI)
		if err != nil {
			writeError(w, protoerr.Wrap(protoerr.StorageIO, "complete upload", err))
			return
		}
		if completed && e.Completer != nil {
			if err := e.Completer.Complete(ctx, uploadURI); err != nil {
				logging.Error("completion_pipeline_failed", map[string]any{"upload_uri": uploadURI}, err)
			}
		}
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(fi.Offset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// Terminate handles DELETE /files/<id>.
func (e *Engine) Terminate(w http.ResponseWriter, r *http.Request, uploadURI string) {
	w.Header().Set("Tus-Resumable", tusVersion)

	ctx := r.Context()
	fi, err := e.Metadata.FindByURI(ctx, uploadURI)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, protoerr.New(protoerr.NotFound, "unknown upload"))
		return
	}
	if err != nil {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "lookup upload", err))
		return
	}

	id := strings.TrimPrefix(fi.UploadURI, "/files/")
	if err := e.Staging.Delete(id); err != nil {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "delete staging file", err))
		return
	}
	if err := e.Metadata.Delete(ctx, uploadURI); err != nil {
		writeError(w, protoerr.Wrap(protoerr.StorageIO, "delete upload metadata", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Route dispatches an incoming request under /files to the matching
// verb. It is registered on the ambient server's mux for the prefix
// "/files/" and "/files".
func (e *Engine) Route(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/files")
	id = strings.TrimPrefix(id, "/")

	switch r.Method {
	case http.MethodOptions:
		e.Discover(w, r)
	case http.MethodPost:
		if id != "" {
			http.NotFound(w, r)
			return
		}
		e.Create(w, r)
	case http.MethodHead:
		if id == "" {
			http.NotFound(w, r)
			return
		}
		e.Inspect(w, r, path.Join("/files", id))
	case http.MethodPatch:
		if id == "" {
			http.NotFound(w, r)
			return
		}
		e.Append(w, r, path.Join("/files", id))
	case http.MethodDelete:
		if id == "" {
			http.NotFound(w, r)
			return
		}
		e.Terminate(w, r, path.Join("/files", id))
	default:
		w.Header().Set("Allow", "OPTIONS, POST, HEAD, PATCH, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (e *Engine) extensionAllowed(fileName string) bool {
	if len(e.Config.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	for _, allowed := range e.Config.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func writeConflict(w http.ResponseWriter, serverOffset int64) {
	w.WriteHeader(http.StatusConflict)
	fmt.Fprintf(w, "upload offset mismatch, server offset is %d", serverOffset)
}

func writeError(w http.ResponseWriter, pe *protoerr.Error) {
	logging.Warn("protocol_error", map[string]any{"kind": pe.Kind.String(), "message": pe.Message})
	http.Error(w, pe.Message, pe.Kind.Status())
}
