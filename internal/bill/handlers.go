package bill

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxUploadSize bounds uploads to the local store (high-resolution phone photos)
const maxUploadSize = int64(50 << 20)

// writeJSON writes a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleBillURL issues an upload URL for a new bill
func (s *Server) handleBillURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID  string `json:"connectionId"`
		FileExtension string `json:"fileExtension"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	target, err := s.intake.CreateUploadTarget(r.Context(), req.ConnectionID, req.FileExtension)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("Error creating upload URL", "connection_id", req.ConnectionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, target)
}

// processResponse is the body of a successful /api/process_image call
type processResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Results *Payload `json:"results"`
}

// handleProcessImage extracts an uploaded bill. Extraction that produced
// unparseable output is still a 200; the failure is inside results.analysis.
func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"fileName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "fileName is required"})
		return
	}

	outcome, err := s.processor.Process(r.Context(), req.FileName)
	if err != nil {
		slog.Error("Error processing bill", "file_key", req.FileName, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	resp := processResponse{Status: "success", Results: outcome.Payload}
	if outcome.Replayed {
		resp.Message = "File already processed"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpload receives a bill uploaded against a locally signed URL
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "File is too large. Maximum size is 50MB. Please compress or resize your image.",
		})
		return
	}

	err = s.uploads.Receive(r.Context(), key, r.URL.Query(), r.Header.Get("Content-Type"), data)
	switch {
	case err == nil:
		slog.Info("Received upload", "file_key", key, "size", len(data))
		w.WriteHeader(http.StatusOK)
		if s.processOnUpload {
			s.processInBackground(context.WithoutCancel(r.Context()), key)
		}
	case errors.Is(err, ErrBadSignature):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("Error storing upload", "file_key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Error storing file. Please try again."})
	}
}
