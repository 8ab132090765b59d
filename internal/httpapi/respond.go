package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/rides"
	"github.com/example/city-dispatch/internal/storage"
)

// Machine-readable error kinds carried in every rejection body.
const (
	kindValidation      = "validation"
	kindUnauthenticated = "unauthenticated"
	kindAuthorization   = "authorization"
	kindNotFound        = "not_found"
	kindConflict        = "conflict"
	kindInternal        = "internal"
	kindUnavailable     = "unavailable"
)

// errorBody is the wire shape of a rejected operation. Conflicts carry the
// current request state so the caller can resynchronize without a refetch.
type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Current *models.RideRequest `json:"current,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

// respondError maps domain errors onto HTTP statuses. Anything unmapped is
// treated as an internal failure and logged with the request ID.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *rides.ValidationError
		ae *rides.AuthzError
		ce *rides.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		s.respond(w, http.StatusBadRequest, errorBody{Error: kindValidation, Message: ve.Msg})
	case errors.As(err, &ae):
		s.respond(w, http.StatusForbidden, errorBody{Error: kindAuthorization, Message: ae.Msg})
	case errors.As(err, &ce):
		s.respond(w, http.StatusConflict, errorBody{Error: kindConflict, Message: ce.Msg, Current: ce.Current})
	case errors.Is(err, storage.ErrNotFound):
		s.respond(w, http.StatusNotFound, errorBody{Error: kindNotFound, Message: "resource not found"})
	default:
		s.logger.Error("request failed",
			"route", routeTemplate(r),
			"request_id", requestIDFromContext(r.Context()),
			"err", err,
		)
		s.respond(w, http.StatusInternalServerError, errorBody{Error: kindInternal, Message: "internal error"})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.respond(w, http.StatusBadRequest, errorBody{Error: kindValidation, Message: msg})
}

// decode reads and validates a JSON body. It writes the rejection itself
// and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.badRequest(w, "malformed JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.badRequest(w, validationMessage(err))
		return false
	}
	return true
}

// validationMessage flattens the first field error into something a client
// can act on without parsing validator internals.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("invalid field %s (%s)", fe.Field(), fe.Tag())
	}
	return "invalid request body"
}
