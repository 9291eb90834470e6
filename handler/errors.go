package handler

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope is the OpenAI-compatible error body every failure
// response carries.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// writeErrorEnvelope writes the gateway's standard error envelope.
// errType should be one of invalid_request_error, rate_limit_error,
// quota_exceeded_error, api_error.
func writeErrorEnvelope(w http.ResponseWriter, status int, errType, message string) {
	var env errorEnvelope
	env.Error.Message = message
	env.Error.Type = errType
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// writeErrorEnvelopeWithCode is writeErrorEnvelope plus a machine-readable code.
func writeErrorEnvelopeWithCode(w http.ResponseWriter, status int, errType, message, code string) {
	var env errorEnvelope
	env.Error.Message = message
	env.Error.Type = errType
	env.Error.Code = code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
