/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing the
// JSON HTTP API: handlers return values or errors, and every response
// is wrapped in the {success, data, error} envelope.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBody bounds JSON request bodies. Archive uploads go through
// multipart readers with their own limits.
const maxRequestBody = 1 << 20

// HandlerFunc specifies an HTTP handler function that returns the
// response payload or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// Response is the envelope every JSON endpoint replies with.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the machine code and human message of a failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReplyJSON writes a success envelope around data.
func ReplyJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

// ReplyError classifies the error and writes a failure envelope.
func ReplyError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(err))
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorBody{
			Code:    ErrorCode(err),
			Message: trace.UserMessage(err),
		},
	})
}

// ReadJSON reads an HTTP JSON request and unmarshals it into obj.
func ReadJSON(r *http.Request, obj interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

type codedError struct {
	error
	code string
}

func (e *codedError) Unwrap() error { return e.error }

// WithCode attaches a machine code to an error, overriding the code
// derived from its class.
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &codedError{error: err, code: code}
}

// ErrorCode returns the error's explicit machine code, or one derived
// from its class.
func ErrorCode(err error) string {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	switch {
	case trace.IsBadParameter(err):
		return "BAD_REQUEST"
	case trace.IsAccessDenied(err):
		return "UNAUTHORIZED"
	case trace.IsNotFound(err):
		return "NOT_FOUND"
	case trace.IsAlreadyExists(err):
		return "CONFLICT"
	case trace.IsLimitExceeded(err):
		return "LIMIT_EXCEEDED"
	}
	return "INTERNAL_ERROR"
}

// StatusCode maps the error's class to an HTTP status.
func StatusCode(err error) int {
	switch {
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
