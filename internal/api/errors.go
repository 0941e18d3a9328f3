package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loa-finn/hounfour/internal/core"
)

// errorBody is the wire shape of every non-2xx response.
type errorBody struct {
	Error   string                 `json:"error"`
	Code    core.ErrorCode         `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	body := errorBody{
		Error:   "HounfourError",
		Code:    code,
		Message: err.Error(),
	}
	var herr *core.HounfourError
	if errors.As(err, &herr) {
		body.Message = herr.Message
		body.Context = herr.Context
	}

	status := core.HTTPStatus(code)
	if status >= 500 {
		s.logger.Printf("ERROR %s: %v", code, err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
