package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes はリクエストボディの上限（64KB）
const maxBodyBytes = 64 << 10

// errorBody はHTTPのエラーレスポンス。WebSocketのerrorイベントと同じ形
type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// requestLog はリクエストIDつきのロガーを返します
func requestLog(r *http.Request) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component":  "http",
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		requestLog(r).WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, r, status, errorBody{Message: msg, Code: code})
}

// readJSON はボディを1つのJSONオブジェクトとして読みます
// 失敗時は400を書き込んでfalseを返します
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil {
		return true
	}

	var (
		syntaxErr *json.SyntaxError
		tooLarge  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "validation", "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, "validation", "request body required")
	case errors.As(err, &syntaxErr):
		writeError(w, r, http.StatusBadRequest, "validation", "invalid JSON payload")
	default:
		writeError(w, r, http.StatusBadRequest, "validation", "bad request")
	}
	return false
}
