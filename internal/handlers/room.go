package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/speedrace/speedrace-server/internal/models"
	"github.com/speedrace/speedrace-server/internal/rooms"
	"github.com/speedrace/speedrace-server/internal/service"
)

// RoomService はHTTP APIから使うルーム操作です
// 入力の検証はサービス層で行います
type RoomService interface {
	// OpenRoom はルームと作成者の再接続トークンを返します
	OpenRoom(ctx context.Context, username string) (*models.Room, string, error)
	Room(ctx context.Context, roomId string) (*models.Room, error)
	Persisted() bool
}

// RoomHandler はルームのHTTP APIを処理します
type RoomHandler struct {
	svc RoomService
}

func NewRoomHandler(s RoomService) *RoomHandler { return &RoomHandler{svc: s} }

type createRoomRequest struct {
	Username string `json:"username"`
}

type roomResponse struct {
	Room        *models.Room `json:"room"`
	IsPersisted bool         `json:"isPersisted"`
	RejoinToken string       `json:"rejoinToken,omitempty"` // 作成時のみ
}

// Create はルームを作成します
// 作成者はレスポンスのroom.adminIdとrejoinTokenを使ってWebSocketのrejoin-roomで接続します
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in createRoomRequest
	if !readJSON(w, r, &in) {
		return
	}

	room, token, err := h.svc.OpenRoom(r.Context(), in.Username)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	requestLog(r).WithField("room_id", room.RoomId).Info("room created over http")
	writeJSON(w, r, http.StatusCreated, roomResponse{Room: room, IsPersisted: h.svc.Persisted(), RejoinToken: token})
}

// Get はルームを取得します。ルームコードの大文字小文字は区別しません
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.Room(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, roomResponse{Room: room, IsPersisted: h.svc.Persisted()})
}

// writeServiceError はサービス層のエラーをHTTPステータスに変換します
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		writeError(w, r, http.StatusNotFound, "room_not_found", "Room not found")
	case errors.Is(err, service.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "validation", strings.TrimPrefix(err.Error(), service.ErrValidation.Error()+": "))
	case errors.Is(err, rooms.ErrRoomIDExhausted):
		writeError(w, r, http.StatusServiceUnavailable, "room_id_exhausted", "could not allocate a room code")
	default:
		requestLog(r).WithError(err).Error("room request failed")
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

// Pinger はストレージの状態確認に使います
type Pinger interface {
	Ping(ctx context.Context) error
	Persistent() bool
}

// HealthHandler はヘルスチェックを返します
type HealthHandler struct {
	store Pinger
}

func NewHealthHandler(p Pinger) *HealthHandler { return &HealthHandler{store: p} }

type healthResponse struct {
	Status      string `json:"status"`
	IsPersisted bool   `json:"isPersisted"`
}

// Healthz はストレージの疎通を確認します
// 失敗の詳細はログにだけ残し、レスポンスには状態だけを返します
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		requestLog(r).WithError(err).Warn("storage ping failed")
		writeJSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", IsPersisted: h.store.Persistent()})
}
