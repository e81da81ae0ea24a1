package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/syncpadhq/syncpad/backend/internal/cache"
	"github.com/syncpadhq/syncpad/backend/internal/db"
	"github.com/syncpadhq/syncpad/backend/internal/judge"
	"github.com/syncpadhq/syncpad/backend/internal/roster"
)

// Executor runs a piece of code remotely. Satisfied by *judge.Client.
type Executor interface {
	Execute(ctx context.Context, code, language, stdin string) (judge.Result, error)
}

// Gateway routes inbound room events to their handlers and fans outbound
// events back out to room members. Handlers are independent per invocation;
// the roster is the only shared in-process state and serializes itself.
type Gateway struct {
	hub      *Hub
	database *db.Database
	cache    *cache.RoomCache
	roster   *roster.Roster
	executor Executor
}

func NewGateway(hub *Hub, database *db.Database, roomCache *cache.RoomCache, r *roster.Roster, executor Executor) *Gateway {
	return &Gateway{
		hub:      hub,
		database: database,
		cache:    roomCache,
		roster:   r,
		executor: executor,
	}
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

func (g *Gateway) Roster() *roster.Roster {
	return g.roster
}

// HandleJoinRoom verifies the room durably exists, registers the connection,
// bumps the counter, and syncs the joiner with the freshest known state
// (cache first, database fallback). Joining a room you are already in only
// re-sends the sync.
func (g *Gateway) HandleJoinRoom(c *Client, p JoinRoomPayload) Ack {
	room, err := g.database.GetRoom(p.RoomID)
	if err != nil {
		return g.fail(c, fmt.Sprintf("Failed to join room: %s", err.Error()))
	}
	if room == nil {
		return g.fail(c, fmt.Sprintf("Failed to join room: room %s not found", p.RoomID))
	}

	if joined := g.roster.Join(p.RoomID, c.id); joined {
		g.hub.Join(p.RoomID, c)
		c.roomID = p.RoomID

		if err := g.database.IncrementActiveUsers(p.RoomID); err != nil {
			log.Printf("Failed to increment active users for room %s: %v", p.RoomID, err)
		}

		g.hub.Broadcast(p.RoomID, marshalEvent(EventUserJoined, PresencePayload{
			UserID:      c.id,
			ActiveUsers: g.roster.Size(p.RoomID),
		}), c)

		log.Printf("Client %s joined room %s", c.id, p.RoomID)
	}

	code, language := g.resolveRoomState(room)
	c.enqueue(marshalEvent(EventSyncCode, SyncCodePayload{
		Code:     code,
		Language: language,
		RoomID:   p.RoomID,
	}))

	return Ack{Success: true, Message: fmt.Sprintf("Joined room %s", p.RoomID)}
}

// resolveRoomState prefers the cache, which may be ahead of the durable
// record, and falls back to the durable record per key.
func (g *Gateway) resolveRoomState(room *db.Room) (string, string) {
	ctx := context.Background()

	code, ok, err := g.cache.GetCode(ctx, room.RoomID)
	if err != nil {
		log.Printf("Cache read failed for room %s: %v", room.RoomID, err)
		ok = false
	}
	if !ok {
		code = room.Code
	}

	language, ok, err := g.cache.GetLanguage(ctx, room.RoomID)
	if err != nil {
		log.Printf("Cache read failed for room %s: %v", room.RoomID, err)
		ok = false
	}
	if !ok || language == "" {
		language = room.Language
	}

	return code, language
}

// HandleCodeChange writes the edit through to the cache only (durable
// persistence is an explicit save) and relays it to everyone else. Last
// write wins; concurrent edits are not merged.
func (g *Gateway) HandleCodeChange(c *Client, p CodeChangePayload) Ack {
	room, err := g.database.GetRoom(p.RoomID)
	if err != nil {
		return g.fail(c, fmt.Sprintf("Failed to update code: %s", err.Error()))
	}
	if room == nil {
		return g.fail(c, fmt.Sprintf("Failed to update code: room %s not found", p.RoomID))
	}

	if err := g.cache.SetCode(context.Background(), p.RoomID, p.Code); err != nil {
		return g.fail(c, fmt.Sprintf("Failed to update code: %s", err.Error()))
	}

	g.hub.Broadcast(p.RoomID, marshalEvent(EventCodeUpdated, CodeUpdatedPayload{
		Code:           p.Code,
		CursorPosition: p.CursorPosition,
		UserID:         c.id,
		Timestamp:      timestamp(),
	}), c)

	return Ack{Success: true}
}

// HandleLanguageChange persists the language durably and in the cache. The
// buffer is left untouched; only the tag changes.
func (g *Gateway) HandleLanguageChange(c *Client, p LanguageChangePayload) Ack {
	if !judge.IsSupported(p.Language) {
		return g.fail(c, fmt.Sprintf("Failed to change language: unsupported language: %s", p.Language))
	}

	if err := g.database.UpdateLanguage(p.RoomID, p.Language); err != nil {
		return g.fail(c, fmt.Sprintf("Failed to change language: %s", friendly(err, p.RoomID)))
	}

	if err := g.cache.SetLanguage(context.Background(), p.RoomID, p.Language); err != nil {
		return g.fail(c, fmt.Sprintf("Failed to change language: %s", err.Error()))
	}

	g.hub.Broadcast(p.RoomID, marshalEvent(EventLanguageUpdated, LanguageUpdatedPayload{
		Language: p.Language,
		UserID:   c.id,
	}), nil)

	return Ack{Success: true}
}

// HandleRunCode announces the run to the whole room, executes through the
// judge, and broadcasts the result. Failures go back to the sender alone.
func (g *Gateway) HandleRunCode(c *Client, p RunCodePayload) Ack {
	room, err := g.database.GetRoom(p.RoomID)
	if err != nil {
		return g.fail(c, fmt.Sprintf("Code execution failed: %s", err.Error()))
	}
	if room == nil {
		return g.fail(c, fmt.Sprintf("Code execution failed: room %s not found", p.RoomID))
	}

	g.hub.Broadcast(p.RoomID, marshalEvent(EventCodeRunning, CodeRunningPayload{
		UserID: c.id,
	}), nil)

	result, err := g.executor.Execute(context.Background(), p.Code, p.Language, p.Stdin)
	if err != nil {
		return g.fail(c, err.Error())
	}

	g.hub.Broadcast(p.RoomID, marshalEvent(EventCodeResult, CodeResultPayload{
		Output:    result.Output,
		Error:     result.Error,
		Status:    result.Status,
		UserID:    c.id,
		Timestamp: timestamp(),
	}), nil)

	return Ack{
		Success: true,
		Output:  result.Output,
		Error:   result.Error,
		Status:  result.Status,
	}
}

// HandleSaveCode persists the buffer durably, records a history entry, and
// confirms to the whole room. The cache is untouched; it already holds the
// same bytes from the edit stream.
func (g *Gateway) HandleSaveCode(c *Client, p SaveCodePayload) Ack {
	if err := g.database.UpdateCode(p.RoomID, p.Code); err != nil {
		return g.fail(c, fmt.Sprintf("Failed to save code: %s", friendly(err, p.RoomID)))
	}

	if _, err := g.database.RecordSave(p.RoomID, p.Code, db.HashContent(p.Code)); err != nil {
		log.Printf("Failed to record save history for room %s: %v", p.RoomID, err)
	}

	g.hub.Broadcast(p.RoomID, marshalEvent(EventCodeSaved, CodeSavedPayload{
		UserID:    c.id,
		Timestamp: timestamp(),
	}), nil)

	return Ack{Success: true, Message: "Code saved successfully"}
}

// HandleLeaveRoom is idempotent: leaving a room you are not in changes
// nothing and decrements nothing.
func (g *Gateway) HandleLeaveRoom(c *Client, p LeaveRoomPayload) Ack {
	if left := g.roster.Leave(p.RoomID, c.id); left {
		g.departed(c, p.RoomID)
	}
	g.hub.Leave(p.RoomID, c)
	if c.roomID == p.RoomID {
		c.roomID = ""
	}

	log.Printf("Client %s left room %s", c.id, p.RoomID)
	return Ack{Success: true}
}

// HandleDisconnect runs leave cleanup for every room the roster still has
// this connection in. This is the only cleanup path guaranteed to run when
// a client vanishes without a leave-room.
func (g *Gateway) HandleDisconnect(c *Client) {
	log.Printf("Client disconnected: %s", c.id)

	for _, roomID := range g.roster.RemoveEverywhere(c.id) {
		g.hub.Leave(roomID, c)
		g.departed(c, roomID)
	}
}

// departed mirrors a confirmed roster removal to the durable counter and the
// room. Callers must only invoke it when membership actually changed, which
// keeps retried leaves from double-decrementing.
func (g *Gateway) departed(c *Client, roomID string) {
	if err := g.database.DecrementActiveUsers(roomID); err != nil {
		log.Printf("Failed to decrement active users for room %s: %v", roomID, err)
	}

	g.hub.Broadcast(roomID, marshalEvent(EventUserLeft, PresencePayload{
		UserID:      c.id,
		ActiveUsers: g.roster.Size(roomID),
	}), c)
}

// fail sends the private error event and produces the failure ack.
func (g *Gateway) fail(c *Client, message string) Ack {
	log.Print(message)
	c.enqueue(marshalEvent(EventError, ErrorPayload{Message: message}))
	return Ack{Success: false, Message: message}
}

func friendly(err error, roomID string) string {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Sprintf("room %s not found", roomID)
	}
	return err.Error()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
