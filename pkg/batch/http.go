package batch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/neuroqc/platform/pkg/common/logger"
)

type HTTPHandler struct {
	coordinator *Coordinator
	maxBody     int64
}

func NewHTTPHandler(coordinator *Coordinator, maxBody int64) *HTTPHandler {
	return &HTTPHandler{coordinator: coordinator, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/batches", h.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/batches", h.handleActive).Methods(http.MethodGet)
	router.HandleFunc("/batches/{id}", h.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/batches/{id}/results", h.handleResults).Methods(http.MethodGet)
	router.HandleFunc("/batches/{id}/summary", h.handleSummary).Methods(http.MethodGet)
	router.HandleFunc("/batches/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
}

func (h *HTTPHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid batch payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batchID, err := h.coordinator.Submit(r.Context(), req)
	if err != nil {
		if IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to submit batch")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"batch_id": batchID})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snapshot, err := h.coordinator.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "batch not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch batch status")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *HTTPHandler) handleResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	results, err := h.coordinator.Results(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "batch not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch batch results")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"batch_id": id,
		"subjects": results,
	})
}

func (h *HTTPHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	summary, err := h.coordinator.Summary(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "batch not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to build batch summary")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.coordinator.Cancel(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "batch not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to cancel batch")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"batch_id": id, "status": "cancel_requested"})
}

func (h *HTTPHandler) handleActive(w http.ResponseWriter, r *http.Request) {
	active := h.coordinator.Active()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"batches": active})
}
