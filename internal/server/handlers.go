package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/meowmung/meowmung-ledger/internal/pipeline"
	"github.com/meowmung/meowmung-ledger/internal/receipt"
)

// maxUploadSize bounds multipart uploads; high-resolution phone photos fit.
const maxUploadSize = int64(50 << 20)

// maxBatchURLs bounds the number of images in one ledger request.
const maxBatchURLs = 10

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string       `json:"error"`
	Kind  receipt.Kind `json:"kind"`
}

// ledgerRequest is the body of POST /ledger_receipt.
type ledgerRequest struct {
	ImageData []string `json:"image_data"`
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(kind receipt.Kind) int {
	switch kind {
	case receipt.KindInvalidImage:
		return http.StatusBadRequest
	case receipt.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case receipt.KindMalformedExtraction:
		return http.StatusUnprocessableEntity
	case receipt.KindExtractionUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes err with the status of its kind.
func writeError(w http.ResponseWriter, err error) {
	kind := receipt.KindOf(err)
	writeJSON(w, statusFor(kind), errorResponse{Error: err.Error(), Kind: kind})
}

// badRequest writes a client error that did not come from the pipeline.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Kind: receipt.KindInvalidImage})
}

// handleScanReceipt extracts the record of one uploaded image
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: "File is too large. Maximum size is 50MB. Please compress or resize your image.",
				Kind:  receipt.KindPayloadTooLarge,
			})
			return
		}
		badRequest(w, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		badRequest(w, "No file was selected. Please choose a file to upload.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "Error reading file. Please try again.",
			Kind:  receipt.KindInternal,
		})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeByName(header.Filename)
	}

	record, err := s.processor.Process(r.Context(), data, contentType)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// contentTypeByName guesses the type of an upload from its file name
func contentTypeByName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// handleLedgerReceipt downloads the photos of one receipt and returns the merged record
func (s *Server) handleLedgerReceipt(w http.ResponseWriter, r *http.Request) {
	var req ledgerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		slog.Error("Error decoding ledger request", "error", err)
		badRequest(w, "Invalid request body")
		return
	}
	if len(req.ImageData) == 0 {
		badRequest(w, "image_data must list at least one image URL")
		return
	}
	if len(req.ImageData) > maxBatchURLs {
		badRequest(w, "too many images in one request")
		return
	}

	inputs := make([]pipeline.Input, 0, len(req.ImageData))
	for _, rawURL := range req.ImageData {
		slog.Info("Fetching receipt image", "url", rawURL)
		img, err := s.fetcher.Fetch(r.Context(), rawURL)
		if err != nil {
			writeError(w, err)
			return
		}
		inputs = append(inputs, pipeline.Input{Data: img.Data, ContentType: img.ContentType})
	}

	record, err := s.processor.ProcessBatch(r.Context(), inputs)
	if err != nil {
		slog.Error("Error processing receipt batch", "images", len(inputs), "error", err)
		writeError(w, err)
		return
	}

	slog.Info("Combined receipt", "images", len(inputs), "items", len(record.Items))
	writeJSON(w, http.StatusOK, record)
}
