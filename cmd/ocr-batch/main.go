package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
	"github.com/Lllllllleong/pdfocrflow/internal/ocr"
	"github.com/Lllllllleong/pdfocrflow/internal/services"
)

var (
	ocrBatchInstance *services.OCRBatchFunction
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleOCRBatch", handleOCRBatch)
	functions.HTTP("HandleOCRProgress", handleOCRProgress)
}

// main is required by the Go Functions Framework.
func main() {}

func instance() (*services.OCRBatchFunction, error) {
	once.Do(func() {
		ocrBatchInstance, initErr = services.NewOCRBatch(context.Background())
	})
	return ocrBatchInstance, initErr
}

func handleOCRBatch(w http.ResponseWriter, r *http.Request) {
	f, err := instance()
	if err != nil {
		slog.Error("OCR batch initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.OCRBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := f.Process(r.Context(), &req)
	if err != nil {
		// Process has already logged the failure with its batch context.
		if errors.Is(err, ocr.ErrInvalidRange) {
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

// handleOCRProgress answers from this instance's registry only; see package progress.
func handleOCRProgress(w http.ResponseWriter, r *http.Request) {
	f, err := instance()
	if err != nil {
		slog.Error("OCR batch initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	batchID := r.URL.Query().Get("batchId")
	if batchID == "" {
		http.Error(w, "Bad Request: batchId is required", http.StatusBadRequest)
		return
	}
	res, err := f.Progress(batchID)
	if err != nil {
		http.Error(w, "Not Found: "+err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
