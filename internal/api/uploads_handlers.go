package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"cinetide/internal/upload"
)

type chunkResponse struct {
	Filename string `json:"filename"`
	Offset   int64  `json:"offset"`
	Exists   bool   `json:"exists,omitempty"`
	Saved    bool   `json:"saved,omitempty"`
}

type combineRequest struct {
	Filename string `json:"filename"`
}

type combineResponse struct {
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

// UploadChunk handles both halves of the resumable chunk protocol: POST
// stages a chunk, GET reports whether a chunk is already staged.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.checkChunk(w, r)
	case http.MethodPost:
		h.receiveChunk(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) checkChunk(w http.ResponseWriter, r *http.Request) {
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("filename is required"))
		return
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("offset")), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("offset must be a non-negative integer"))
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{
		Filename: filename,
		Offset:   offset,
		Exists:   h.Chunks.ChunkExists(filename, offset),
	})
}

func (h *Handler) receiveChunk(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}

	var (
		filename  string
		offset    int64 = -1
		tempPath  string
		haveChunk bool
	)
	defer func() {
		if tempPath != "" {
			_ = os.Remove(tempPath)
		}
	}()

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err))
			return
		}
		switch part.FormName() {
		case "file":
			if haveChunk {
				_ = part.Close()
				continue
			}
			tmp, err := os.CreateTemp("", "cinetide-chunk-*")
			if err != nil {
				_ = part.Close()
				writeError(w, http.StatusInternalServerError, fmt.Errorf("create temp file: %w", err))
				return
			}
			_, copyErr := io.Copy(tmp, part)
			_ = part.Close()
			closeErr := tmp.Close()
			if copyErr != nil || closeErr != nil {
				_ = os.Remove(tmp.Name())
				writeError(w, http.StatusBadRequest, fmt.Errorf("save chunk payload"))
				return
			}
			tempPath = tmp.Name()
			haveChunk = true
			if filename == "" {
				filename = part.FileName()
			}
		case "filename":
			value, readErr := readPartValue(part)
			if readErr != nil {
				writeError(w, http.StatusBadRequest, readErr)
				return
			}
			filename = value
		case "offset":
			value, readErr := readPartValue(part)
			if readErr != nil {
				writeError(w, http.StatusBadRequest, readErr)
				return
			}
			parsed, parseErr := strconv.ParseInt(value, 10, 64)
			if parseErr != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("offset must be an integer"))
				return
			}
			offset = parsed
		default:
			_ = part.Close()
		}
	}

	if !haveChunk {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file part is required"))
		return
	}
	if strings.TrimSpace(filename) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("filename is required"))
		return
	}
	if offset < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("offset is required"))
		return
	}
	if err := h.Chunks.SaveChunk(tempPath, filename, offset); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tempPath = ""
	writeJSON(w, http.StatusCreated, chunkResponse{Filename: filename, Offset: offset, Saved: true})
}

// CombineChunks assembles all staged chunks of an upload into one file.
func (h *Handler) CombineChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req combineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("filename is required"))
		return
	}
	path, err := h.Chunks.CombineChunks(req.Filename)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrNoChunks):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, upload.ErrChunkGap):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("stat assembled file: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, combineResponse{
		Filename:  req.Filename,
		Path:      path,
		SizeBytes: info.Size(),
	})
}

func readPartValue(part *multipart.Part) (string, error) {
	payload, err := io.ReadAll(part)
	_ = part.Close()
	if err != nil {
		return "", fmt.Errorf("read form field: %w", err)
	}
	return strings.TrimSpace(string(payload)), nil
}
