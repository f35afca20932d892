package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/store"
)

// envelope is the uniform JSON response body.
type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Success bool   `json:"success"`
}

const codeOK = "OK"

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	// Encoding an envelope of marshalable data cannot fail in practice;
	// the connection may still drop mid-write, which is the client's loss.
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: codeOK, Message: "ok", Data: data, Success: true})
}

// httpStatus maps an error kind to an HTTP status. Only INTERNAL and
// UPSTREAM may produce 5xx.
func httpStatus(kind driver.Kind) int {
	switch kind {
	case driver.KindNotFound, driver.KindSessionNotFound:
		return http.StatusNotFound
	case driver.KindConflict:
		return http.StatusConflict
	case driver.KindForbidden, driver.KindReadonly:
		return http.StatusForbidden
	case driver.KindValidation, driver.KindUnsupportedEnv,
		driver.KindSymlinkEscape, driver.KindPathOutOfRoot:
		return http.StatusBadRequest
	case driver.KindCancelled:
		return http.StatusBadRequest
	case driver.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail renders an error through the envelope. Driver errors keep their kind
// as the code; INTERNAL causes are logged, never shown.
func fail(w http.ResponseWriter, logger *slog.Logger, err error) {
	var de *driver.Error

	switch {
	case errors.As(err, &de):
		kind := de.Kind
		msg := de.Error()

		if kind == driver.KindInternal {
			logger.Error("request failed", slog.Any("error", err))

			msg = "internal error"
		}

		code := string(kind)
		if de.Reason != "" {
			code = de.Reason
		}

		writeJSON(w, httpStatus(kind), envelope{Code: code, Message: msg, Success: false})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{
			Code: string(driver.KindNotFound), Message: "not found", Success: false})
	case errors.Is(err, jobs.ErrUnknownTaskType):
		writeJSON(w, http.StatusBadRequest, envelope{
			Code: string(driver.KindValidation), Message: err.Error(), Success: false})
	case errors.Is(err, jobs.ErrJobNotCancellable):
		writeJSON(w, http.StatusConflict, envelope{
			Code: string(driver.KindConflict), Message: err.Error(), Success: false})
	default:
		logger.Error("request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, envelope{
			Code: string(driver.KindInternal), Message: "internal error", Success: false})
	}
}

// failValidation is a shorthand for malformed request input.
func failValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{
		Code: string(driver.KindValidation), Message: msg, Success: false})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		failValidation(w, "invalid JSON body: "+err.Error())

		return false
	}

	return true
}
