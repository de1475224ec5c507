package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	core "github.com/daezy/drug-dispensing-system-sub000/service/core"
)

// TraceHandler encapsulates the logic for handling traceability HTTP requests
type TraceHandler struct {
	svc    *core.Service
	logger *log.Logger
}

// NewTraceHandler creates a new TraceHandler
func NewTraceHandler(s *core.Service, l *log.Logger) *TraceHandler {
	return &TraceHandler{svc: s, logger: l}
}

// Batches handles /v1/batches: POST registers a batch, GET lists them.
func (h *TraceHandler) Batches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		batches, err := h.svc.ListBatches(r.Context())
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		h.respondJSON(w, map[string]interface{}{"batches": batches}, http.StatusOK)
	case http.MethodPost:
		h.createBatch(w, r)
	default:
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (h *TraceHandler) createBatch(w http.ResponseWriter, r *http.Request) {
	var reqPayload struct {
		DrugName         string `json:"drug_name"`
		BatchNumber      string `json:"batch_number"`
		Quantity         uint64 `json:"quantity"`
		ManufacturedDate string `json:"manufactured_date"`
		ExpiryDate       string `json:"expiry_date"`
		MetadataHash     string `json:"metadata_hash,omitempty"`
		Manufacturer     string `json:"manufacturer"`
	}
	if !h.decodeBody(w, r, &reqPayload) {
		return
	}

	manufactured, err := time.Parse(time.RFC3339, reqPayload.ManufacturedDate)
	if err != nil {
		h.respondError(w, "manufactured_date must be RFC 3339", http.StatusBadRequest)
		return
	}
	expiry, err := time.Parse(time.RFC3339, reqPayload.ExpiryDate)
	if err != nil {
		h.respondError(w, "expiry_date must be RFC 3339", http.StatusBadRequest)
		return
	}

	batch, err := h.svc.CreateBatch(r.Context(), &core.CreateBatchInput{
		DrugName:     reqPayload.DrugName,
		BatchNumber:  reqPayload.BatchNumber,
		Quantity:     reqPayload.Quantity,
		Manufactured: manufactured,
		Expiry:       expiry,
		MetadataHash: reqPayload.MetadataHash,
		Actor:        reqPayload.Manufacturer,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if !batch.Confirmed {
		status = http.StatusAccepted
	}
	h.respondJSON(w, batch, status)
}

// Movements handles POST /v1/movements requests (pharmacy receipt).
func (h *TraceHandler) Movements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var reqPayload struct {
		BatchID           string `json:"batch_id"`
		PharmacistAddress string `json:"pharmacist_address"`
		Quantity          uint64 `json:"quantity"`
		Notes             string `json:"notes,omitempty"`
	}
	if !h.decodeBody(w, r, &reqPayload) {
		return
	}

	movement, err := h.svc.RecordReceipt(r.Context(), &core.RecordReceiptInput{
		BatchID:           reqPayload.BatchID,
		PharmacistAddress: reqPayload.PharmacistAddress,
		Quantity:          reqPayload.Quantity,
		Notes:             reqPayload.Notes,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if !movement.Confirmed {
		status = http.StatusAccepted
	}
	h.respondJSON(w, movement, status)
}

// Dispensings handles POST /v1/dispensings requests.
func (h *TraceHandler) Dispensings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var reqPayload struct {
		BatchID        string `json:"batch_id"`
		PrescriptionID string `json:"prescription_id"`
		PatientAddress string `json:"patient_address"`
		Quantity       uint64 `json:"quantity"`
		Pharmacist     string `json:"pharmacist_address"`
	}
	if !h.decodeBody(w, r, &reqPayload) {
		return
	}

	result, err := h.svc.RecordDispensing(r.Context(), &core.RecordDispensingInput{
		BatchID:        reqPayload.BatchID,
		PrescriptionID: reqPayload.PrescriptionID,
		PatientAddress: reqPayload.PatientAddress,
		Quantity:       reqPayload.Quantity,
		Actor:          reqPayload.Pharmacist,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respPayload := map[string]interface{}{
		"dispensing_id":     result.DispensingID,
		"verification_hash": result.VerificationHash,
		"tx_hash":           result.TxHash,
		"provisional":       result.Provisional,
	}
	status := http.StatusCreated
	if result.Provisional {
		status = http.StatusAccepted
	}
	h.respondJSON(w, respPayload, status)
}

// Verify handles GET /v1/verify?hash=... requests.
func (h *TraceHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		h.respondError(w, "hash query parameter is required", http.StatusBadRequest)
		return
	}

	result, err := h.svc.VerifyAuthenticity(r.Context(), hash)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	respPayload := map[string]interface{}{
		"is_valid": result.Valid,
	}
	if result.Valid {
		respPayload["first_verification"] = result.FirstVerification
		respPayload["dispensing"] = result.Dispensing
		respPayload["movement_history"] = result.MovementHistory
		respPayload["expired"] = result.Expired
		if result.Batch != nil {
			respPayload["batch"] = result.Batch
		}
	}
	h.respondJSON(w, respPayload, http.StatusOK)
}

// Audit handles GET /v1/audit?batch_id=... requests.
func (h *TraceHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		h.respondError(w, "batch_id query parameter is required", http.StatusBadRequest)
		return
	}

	audit, err := h.svc.GetBatchAudit(r.Context(), batchID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, audit, http.StatusOK)
}

// HealthCheck handles GET /health requests
func (h *TraceHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"service":   "traceability-api",
	}
	h.respondJSON(w, resp, http.StatusOK)
}

func (h *TraceHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Header.Get("Content-Type") != "application/json" {
		h.respondError(w, "Content-Type must be application/json", http.StatusBadRequest)
		return false
	}
	if r.ContentLength > 1<<20 {
		h.respondError(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Printf("HTTP Handler: Failed to parse JSON request: %v", err)
		h.respondError(w, "Bad Request: Invalid JSON format", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	return true
}

// respondServiceError maps the shared error taxonomy onto HTTP statuses.
func (h *TraceHandler) respondServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr   *errs.ValidationError
		submissionErr   *errs.SubmissionError
		connectivityErr *errs.ConnectivityError
	)
	switch {
	case errors.As(err, &validationErr):
		h.respondError(w, validationErr.Error(), http.StatusBadRequest)
	case errors.Is(err, errs.ErrNotFound):
		h.respondError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrInsufficientQuantity):
		h.respondError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &submissionErr):
		h.respondError(w, submissionErr.Error(), http.StatusBadGateway)
	case errors.As(err, &connectivityErr):
		h.respondError(w, "upstream dependency unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Printf("HTTP Handler: unhandled service error: %v", err)
		h.respondError(w, "internal error", http.StatusInternalServerError)
	}
}

// respondJSON sends JSON response
func (h *TraceHandler) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("HTTP Handler: Failed to encode JSON response: %v", err)
	}
}

// respondError sends error response
func (h *TraceHandler) respondError(w http.ResponseWriter, message string, statusCode int) {
	errorResp := map[string]interface{}{
		"error":   message,
		"status":  statusCode,
		"message": http.StatusText(statusCode),
	}
	h.respondJSON(w, errorResp, statusCode)
}
