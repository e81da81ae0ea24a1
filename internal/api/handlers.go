package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syncpadhq/syncpad/backend/internal/cache"
	"github.com/syncpadhq/syncpad/backend/internal/db"
	"github.com/syncpadhq/syncpad/backend/internal/judge"
	"github.com/syncpadhq/syncpad/backend/internal/ws"
)

const defaultLanguage = "javascript"

type API struct {
	hub      *ws.Hub
	database *db.Database
	cache    *cache.RoomCache
}

func New(hub *ws.Hub, database *db.Database, roomCache *cache.RoomCache) *API {
	return &API{
		hub:      hub,
		database: database,
		cache:    roomCache,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func successResponse(w http.ResponseWriter, status int, data interface{}) {
	jsonResponse(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_saves"] = dbStats["save_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type CreateRoomRequest struct {
	Language    string `json:"language,omitempty"`
	InitialCode string `json:"initialCode,omitempty"`
}

type RoomData struct {
	RoomID      string    `json:"roomId"`
	Code        string    `json:"code,omitempty"`
	Language    string    `json:"language"`
	ActiveUsers int       `json:"activeUsers"`
	CreatedAt   time.Time `json:"createdAt"`
}

// newRoomID builds a short public id from two uuid segments.
func newRoomID() string {
	first := strings.SplitN(uuid.NewString(), "-", 2)[0]
	second := strings.SplitN(uuid.NewString(), "-", 3)[1]
	return first + "-" + second
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	language := req.Language
	if language == "" {
		language = defaultLanguage
	}
	if !judge.IsSupported(language) {
		errorResponse(w, http.StatusBadRequest,
			"Unsupported language: "+language+". Supported: "+strings.Join(judge.SupportedLanguages(), ", "))
		return
	}

	roomID := newRoomID()
	if err := a.database.CreateRoom(roomID, req.InitialCode, language); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	// Warm the cache so the first joiner reads from the fast path.
	ctx := context.Background()
	if err := a.cache.SetCode(ctx, roomID, req.InitialCode); err != nil {
		log.Printf("Failed to warm code cache for room %s: %v", roomID, err)
	}
	if err := a.cache.SetLanguage(ctx, roomID, language); err != nil {
		log.Printf("Failed to warm language cache for room %s: %v", roomID, err)
	}

	room, err := a.database.GetRoom(roomID)
	if err != nil || room == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	successResponse(w, http.StatusCreated, RoomData{
		RoomID:    room.RoomID,
		Language:  room.Language,
		CreatedAt: room.CreatedAt,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := roomIDFromPath(r.URL.Path)
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room with ID "+roomID+" not found")
		return
	}

	successResponse(w, http.StatusOK, RoomData{
		RoomID:      room.RoomID,
		Code:        room.Code,
		Language:    room.Language,
		ActiveUsers: room.ActiveUsers,
		CreatedAt:   room.CreatedAt,
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := roomIDFromPath(r.URL.Path)
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	if err := a.database.DeleteRoom(roomID); err != nil {
		if err == db.ErrNotFound {
			errorResponse(w, http.StatusNotFound, "Room with ID "+roomID+" not found")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	if err := a.cache.Purge(context.Background(), roomID); err != nil {
		log.Printf("Failed to purge cache for room %s: %v", roomID, err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit, offset := pagination(r, 20)

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	response := make([]RoomData, len(rooms))
	for i, room := range rooms {
		response[i] = RoomData{
			RoomID:      room.RoomID,
			Language:    room.Language,
			ActiveUsers: room.ActiveUsers,
			CreatedAt:   room.CreatedAt,
		}
	}

	successResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// ListSavesHandler returns a room's save history, newest first.
func (a *API) ListSavesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	roomID := strings.TrimSuffix(path, "/saves")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room with ID "+roomID+" not found")
		return
	}

	limit, offset := pagination(r, 50)

	saves, err := a.database.ListSaves(roomID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list saves")
		return
	}

	total, _ := a.database.GetSaveCount(roomID)

	successResponse(w, http.StatusOK, map[string]interface{}{
		"saves":  saves,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func roomIDFromPath(urlPath string) string {
	path := strings.TrimPrefix(urlPath, "/api/rooms/")
	return strings.TrimSuffix(path, "/")
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms")

	// /api/rooms or /api/rooms/
	if path == "" || path == "/" {
		switch r.Method {
		case http.MethodGet:
			a.ListRoomsHandler(w, r)
		case http.MethodPost:
			a.CreateRoomHandler(w, r)
		default:
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/rooms/{id}/saves
	if strings.HasSuffix(path, "/saves") {
		a.ListSavesHandler(w, r)
		return
	}

	// /api/rooms/{id}
	switch r.Method {
	case http.MethodGet:
		a.GetRoomHandler(w, r)
	case http.MethodDelete:
		a.DeleteRoomHandler(w, r)
	default:
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
