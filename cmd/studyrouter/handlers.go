package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	studyrouter "github.com/ferro-labs/study-router"
	"github.com/ferro-labs/study-router/classifier"
	"github.com/ferro-labs/study-router/internal/logging"
	"github.com/ferro-labs/study-router/plugin"
	"github.com/ferro-labs/study-router/policy"
	"github.com/ferro-labs/study-router/providers"
	"github.com/ferro-labs/study-router/routing"
)

// Response headers naming the routing decision on proxied completions.
const (
	headerChosenClassifier = "X-Chosen-Classifier"
	headerChosenModel      = "X-Chosen-Model"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var (
		invalidReq   *routing.InvalidRequestError
		invalidLabel *routing.InvalidLabelError
		unknownPol   *policy.UnknownPolicyError
		unknownLabel *policy.UnknownLabelError
		rejected     *plugin.RejectedError
	)
	switch {
	case errors.As(err, &invalidReq), errors.As(err, &invalidLabel), errors.As(err, &rejected):
		return http.StatusBadRequest
	case errors.As(err, &unknownPol):
		return http.StatusNotFound
	case errors.As(err, &unknownLabel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, classifier.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, providers.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes {"error": "..."} with the status mapped from err.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request error", "status", status, "error", err.Error())
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryHandler(svc *studyrouter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q studyrouter.Query
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&q); err != nil {
			writeError(w, r, &routing.InvalidRequestError{Reason: "invalid JSON body: " + err.Error()})
			return
		}
		ans, err := svc.Ask(r.Context(), q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

func statsHandler(svc *studyrouter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats())
	}
}

func resetStatsHandler(svc *studyrouter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Stats reset successfully",
			"stats":   svc.ResetStats(),
		})
	}
}

func configHandler(svc *studyrouter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"policies":     svc.Policies(),
			"total_models": svc.Table().EntryCount(),
		})
	}
}

func healthHandler(svc *studyrouter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := svc.Health(r.Context())
		status := http.StatusOK
		if h.Status != studyrouter.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

// completionsHandler serves the NIM-router compatible proxy. The downstream
// body is returned unchanged.
func completionsHandler(svc *studyrouter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, &routing.InvalidRequestError{Reason: "reading body: " + err.Error()})
			return
		}
		res, err := svc.Proxy(r.Context(), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerChosenClassifier, res.Route.Label)
		w.Header().Set(headerChosenModel, res.Route.Model)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Completion.Raw)
	}
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}
