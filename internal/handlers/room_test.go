package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrace/speedrace-server/internal/models"
	"github.com/speedrace/speedrace-server/internal/rooms"
	"github.com/speedrace/speedrace-server/internal/service"
)

type fakeRooms struct {
	room      *models.Room
	token     string
	err       error
	gotName   string
	gotRoomId string
}

func (f *fakeRooms) OpenRoom(_ context.Context, username string) (*models.Room, string, error) {
	f.gotName = username
	return f.room, f.token, f.err
}

func (f *fakeRooms) Room(_ context.Context, roomId string) (*models.Room, error) {
	f.gotRoomId = roomId
	return f.room, f.err
}

func (f *fakeRooms) Persisted() bool { return true }

func serve(h *RoomHandler, method, path, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/rooms", h.Create)
	r.Get("/rooms/{roomId}", h.Get)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateReturnsRoom(t *testing.T) {
	svc := &fakeRooms{room: &models.Room{RoomId: "KEYAAB", AdminId: "u1", Status: models.StatusWaiting, MaxCapacity: 8}, token: "secret"}
	rec := serve(NewRoomHandler(svc), http.MethodPost, "/rooms", `{"username":"Alice"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Alice", svc.gotName)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["isPersisted"])
	assert.Equal(t, "KEYAAB", body["room"].(map[string]any)["roomId"])
	assert.Equal(t, "secret", body["rejoinToken"])
}

func TestGetPassesRawCode(t *testing.T) {
	svc := &fakeRooms{room: &models.Room{RoomId: "KEYAAB"}}
	rec := serve(NewRoomHandler(svc), http.MethodGet, "/rooms/keyaab", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "keyaab", svc.gotRoomId)
	assert.NotContains(t, decodeBody(t, rec), "rejoinToken")
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		msg    string
	}{
		{"not found", fmt.Errorf("get: %w", rooms.ErrRoomNotFound), http.StatusNotFound, "room_not_found", "Room not found"},
		{"validation", fmt.Errorf("%w: invalid room code", service.ErrValidation), http.StatusBadRequest, "validation", "invalid room code"},
		{"exhausted", rooms.ErrRoomIDExhausted, http.StatusServiceUnavailable, "room_id_exhausted", "could not allocate a room code"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal", "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(NewRoomHandler(&fakeRooms{err: tt.err}), http.MethodGet, "/rooms/KEYAAB", "")
			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, tt.msg, body["message"])
		})
	}
}

func TestCreateRejectsBadBodies(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{"empty", "", http.StatusBadRequest, "request body required"},
		{"syntax", `{"username" "x"}`, http.StatusBadRequest, "invalid JSON payload"},
		{"unknown field", `{"user":"x"}`, http.StatusBadRequest, "bad request"},
		{"too large", `{"username":"` + strings.Repeat("a", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeRooms{}
			rec := serve(NewRoomHandler(svc), http.MethodPost, "/rooms", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decodeBody(t, rec)["message"])
			assert.Empty(t, svc.gotName)
		})
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }
func (p fakePinger) Persistent() bool           { return p.err == nil }

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(fakePinger{}).Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","isPersisted":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewHealthHandler(fakePinger{err: errors.New("redis down")}).Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","isPersisted":false}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "redis down")
}
