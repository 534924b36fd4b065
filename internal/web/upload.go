package web

import (
	"errors"
	"io"
	"net/http"

	appLog "epdpanel/internal/log"
	"epdpanel/internal/upload"
)

// uploadChunk is the read size for request bodies.
const uploadChunk = 4096

// handleUpload streams the request body into an upload accumulator and
// enqueues the resulting Display job.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	declared := r.ContentLength
	maxBytes := s.cfg.Upload.MaxBytes

	// Reject before reading any of the body.
	if declared > maxBytes {
		appLog.Warn("upload rejected", "declared", declared, "max", maxBytes)
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}
	if declared < 0 {
		writeError(w, http.StatusBadRequest, "content length required")
		return
	}

	var acc *upload.Accumulator
	defer func() { acc.Abort() }()

	buf := make([]byte, uploadChunk)
	var offset int64
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if acc == nil {
				var err error
				if acc, err = upload.Begin(s.pool, declared, maxBytes); err != nil {
					s.uploadError(w, err)
					return
				}
			}
			if err := acc.Write(offset, buf[:n]); err != nil {
				s.uploadError(w, err)
				return
			}
			offset += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			appLog.Error("upload read failed", readErr, "received", acc.Received())
			writeError(w, http.StatusBadRequest, "read failed")
			return
		}
	}

	job, err := acc.Finish()
	if err != nil {
		s.uploadError(w, err)
		return
	}
	appLog.Info("upload complete", "id", job.ID.String(), "bytes", job.Len(), "declared", declared)

	if !s.enqueue(w, r, job) {
		return
	}
	writeText(w, http.StatusOK, "Image uploaded")
}

func (s *Server) uploadError(w http.ResponseWriter, err error) {
	appLog.Warn("upload rejected", "error", err.Error())
	msg := "upload failed"
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		msg = "file too large"
	case errors.Is(err, upload.ErrLengthRequired):
		msg = "content length required"
	case errors.Is(err, upload.ErrOverflow):
		msg = "body exceeds declared length"
	case errors.Is(err, upload.ErrNothingUploaded):
		msg = "no image uploaded"
	}
	writeError(w, http.StatusBadRequest, msg)
}
