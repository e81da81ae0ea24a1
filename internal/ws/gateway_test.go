package ws

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/syncpadhq/syncpad/backend/internal/cache"
	"github.com/syncpadhq/syncpad/backend/internal/db"
	"github.com/syncpadhq/syncpad/backend/internal/judge"
	"github.com/syncpadhq/syncpad/backend/internal/roster"
)

type fakeExecutor struct {
	result judge.Result
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, code, language, stdin string) (judge.Result, error) {
	f.calls++
	return f.result, f.err
}

type testEnv struct {
	gateway  *Gateway
	database *db.Database
	cache    *cache.RoomCache
	redis    *miniredis.Miniredis
	executor *fakeExecutor
}

func setupGateway(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	mr := miniredis.RunT(t)
	roomCache := cache.New(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { roomCache.Close() })

	executor := &fakeExecutor{result: judge.Result{Output: "42\n", Status: "Accepted"}}
	gateway := NewGateway(NewHub(), database, roomCache, roster.New(), executor)

	return &testEnv{
		gateway:  gateway,
		database: database,
		cache:    roomCache,
		redis:    mr,
		executor: executor,
	}
}

func newTestClient(gw *Gateway, id string) *Client {
	return &Client{
		gateway: gw,
		send:    make(chan []byte, 64),
		id:      id,
	}
}

// drain decodes everything queued on the client's send channel.
func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()

	var events []Envelope
	for {
		select {
		case frame := <-c.send:
			var env Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				t.Fatalf("Malformed frame: %v", err)
			}
			events = append(events, env)
		default:
			return events
		}
	}
}

func eventNames(events []Envelope) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

func findEvent(t *testing.T, events []Envelope, name string) json.RawMessage {
	t.Helper()
	for _, e := range events {
		if e.Event == name {
			return e.Data
		}
	}
	t.Fatalf("Expected event %q, got %v", name, eventNames(events))
	return nil
}

func hasEvent(events []Envelope, name string) bool {
	for _, e := range events {
		if e.Event == name {
			return true
		}
	}
	return false
}

func TestJoinRoomSyncsStateAndNotifiesOthers(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "print('hello')", "python")

	c1 := newTestClient(env.gateway, "user-1")
	ack := env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	if !ack.Success {
		t.Fatalf("Join should succeed: %s", ack.Message)
	}

	events := drain(t, c1)
	var sync SyncCodePayload
	json.Unmarshal(findEvent(t, events, EventSyncCode), &sync)
	if sync.Code != "print('hello')" || sync.Language != "python" {
		t.Errorf("Sync should carry the durable state, got %+v", sync)
	}
	if hasEvent(events, EventUserJoined) {
		t.Error("The joiner must not receive its own user-joined")
	}

	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})

	var presence PresencePayload
	json.Unmarshal(findEvent(t, drain(t, c1), EventUserJoined), &presence)
	if presence.UserID != "user-2" {
		t.Errorf("Expected user-2 in presence update, got %q", presence.UserID)
	}
	if presence.ActiveUsers != 2 {
		t.Errorf("Expected 2 active users, got %d", presence.ActiveUsers)
	}

	room, _ := env.database.GetRoom("room-1")
	if room.ActiveUsers != 2 {
		t.Errorf("Durable counter should be 2, got %d", room.ActiveUsers)
	}
}

func TestJoinRoomNotFound(t *testing.T) {
	env := setupGateway(t)

	c := newTestClient(env.gateway, "user-1")
	ack := env.gateway.HandleJoinRoom(c, JoinRoomPayload{RoomID: "no-such-room"})
	if ack.Success {
		t.Fatal("Join of an unknown room should fail")
	}

	events := drain(t, c)
	var errPayload ErrorPayload
	json.Unmarshal(findEvent(t, events, EventError), &errPayload)
	if errPayload.Message == "" {
		t.Error("Error event should carry a message")
	}
	if hasEvent(events, EventSyncCode) {
		t.Error("A failed join must not sync")
	}
	if env.gateway.Roster().Size("no-such-room") != 0 {
		t.Error("A failed join must not register membership")
	}
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c := newTestClient(env.gateway, "user-1")
	env.gateway.HandleJoinRoom(c, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c)

	ack := env.gateway.HandleJoinRoom(c, JoinRoomPayload{RoomID: "room-1"})
	if !ack.Success {
		t.Fatalf("Repeat join should still succeed: %s", ack.Message)
	}

	// Repeat joins re-sync but never double-count.
	events := drain(t, c)
	if !hasEvent(events, EventSyncCode) {
		t.Error("Repeat join should re-send sync-code")
	}
	if env.gateway.Roster().Size("room-1") != 1 {
		t.Errorf("Expected 1 member, got %d", env.gateway.Roster().Size("room-1"))
	}
	room, _ := env.database.GetRoom("room-1")
	if room.ActiveUsers != 1 {
		t.Errorf("Counter must not double-increment, got %d", room.ActiveUsers)
	}
}

func TestJoinPrefersCacheOverDurable(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "stale durable code", "python")

	c1 := newTestClient(env.gateway, "user-1")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)

	env.gateway.HandleCodeChange(c1, CodeChangePayload{RoomID: "room-1", Code: "fresh edit"})

	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})

	var sync SyncCodePayload
	json.Unmarshal(findEvent(t, drain(t, c2), EventSyncCode), &sync)
	if sync.Code != "fresh edit" {
		t.Errorf("Newcomer should see the cached edit, got %q", sync.Code)
	}
}

func TestJoinFallsBackToDurableAfterExpiry(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "python")

	c1 := newTestClient(env.gateway, "user-1")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleCodeChange(c1, CodeChangePayload{RoomID: "room-1", Code: "saved work"})
	env.gateway.HandleSaveCode(c1, SaveCodePayload{RoomID: "room-1", Code: "saved work"})
	drain(t, c1)

	// Evict the cache; the durable record is now the only source.
	env.redis.FlushAll()

	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})

	var sync SyncCodePayload
	json.Unmarshal(findEvent(t, drain(t, c2), EventSyncCode), &sync)
	if sync.Code != "saved work" {
		t.Errorf("Expected the saved durable code after eviction, got %q", sync.Code)
	}
}

func TestCodeChangeBroadcastExcludesSender(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)
	drain(t, c2)

	cursor := &CursorPosition{Line: 3, Column: 7}
	ack := env.gateway.HandleCodeChange(c1, CodeChangePayload{RoomID: "room-1", Code: "new body", CursorPosition: cursor})
	if !ack.Success {
		t.Fatalf("Code change should succeed: %s", ack.Message)
	}

	if events := drain(t, c1); hasEvent(events, EventCodeUpdated) {
		t.Error("The editor must not receive its own code-updated")
	}

	var update CodeUpdatedPayload
	json.Unmarshal(findEvent(t, drain(t, c2), EventCodeUpdated), &update)
	if update.Code != "new body" {
		t.Errorf("Expected broadcast code, got %q", update.Code)
	}
	if update.UserID != "user-1" {
		t.Errorf("Broadcast should be tagged with the sender, got %q", update.UserID)
	}
	if update.CursorPosition == nil || update.CursorPosition.Line != 3 {
		t.Errorf("Cursor hint should pass through, got %+v", update.CursorPosition)
	}
	if update.Timestamp == "" {
		t.Error("Broadcast should carry a timestamp")
	}

	// Edits are cache-only; durable code is untouched until save.
	room, _ := env.database.GetRoom("room-1")
	if room.Code != "" {
		t.Errorf("Edit must not persist durably, got %q", room.Code)
	}
	code, ok, _ := env.cache.GetCode(context.Background(), "room-1")
	if !ok || code != "new body" {
		t.Errorf("Edit should be cached, got %q (hit=%v)", code, ok)
	}
}

func TestCodeChangeUnknownRoom(t *testing.T) {
	env := setupGateway(t)

	c := newTestClient(env.gateway, "user-1")
	ack := env.gateway.HandleCodeChange(c, CodeChangePayload{RoomID: "ghost", Code: "x"})
	if ack.Success {
		t.Fatal("Code change for an unknown room should fail")
	}
	if !hasEvent(drain(t, c), EventError) {
		t.Error("Sender should receive a private error event")
	}
}

func TestLastWriteWinsOnConcurrentEdits(t *testing.T) {
	// Two edits race at cache-write granularity; there is no merge. The
	// cache, and any newcomer's sync, reflects whichever landed last.
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})

	env.gateway.HandleCodeChange(c1, CodeChangePayload{RoomID: "room-1", Code: "edit from user-1"})
	env.gateway.HandleCodeChange(c2, CodeChangePayload{RoomID: "room-1", Code: "edit from user-2"})

	code, _, _ := env.cache.GetCode(context.Background(), "room-1")
	if code != "edit from user-2" {
		t.Errorf("Expected the later write to win, got %q", code)
	}

	c3 := newTestClient(env.gateway, "user-3")
	env.gateway.HandleJoinRoom(c3, JoinRoomPayload{RoomID: "room-1"})
	var sync SyncCodePayload
	json.Unmarshal(findEvent(t, drain(t, c3), EventSyncCode), &sync)
	if sync.Code != "edit from user-2" {
		t.Errorf("Newcomer should observe the winning edit, got %q", sync.Code)
	}
}

func TestLanguageChangeBroadcastIncludesSender(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "keep me", "python")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)
	drain(t, c2)

	ack := env.gateway.HandleLanguageChange(c1, LanguageChangePayload{RoomID: "room-1", Language: "ruby"})
	if !ack.Success {
		t.Fatalf("Language change should succeed: %s", ack.Message)
	}

	for _, c := range []*Client{c1, c2} {
		var update LanguageUpdatedPayload
		json.Unmarshal(findEvent(t, drain(t, c), EventLanguageUpdated), &update)
		if update.Language != "ruby" || update.UserID != "user-1" {
			t.Errorf("Client %s got unexpected update %+v", c.id, update)
		}
	}

	room, _ := env.database.GetRoom("room-1")
	if room.Language != "ruby" {
		t.Errorf("Language should persist durably, got %q", room.Language)
	}
	if room.Code != "keep me" {
		t.Errorf("Language switch must not wipe the buffer, got %q", room.Code)
	}
	lang, ok, _ := env.cache.GetLanguage(context.Background(), "room-1")
	if !ok || lang != "ruby" {
		t.Errorf("Language should be cached, got %q (hit=%v)", lang, ok)
	}
}

func TestLanguageChangeRejectsUnsupported(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "python")

	c := newTestClient(env.gateway, "user-1")
	ack := env.gateway.HandleLanguageChange(c, LanguageChangePayload{RoomID: "room-1", Language: "cobol"})
	if ack.Success {
		t.Fatal("Unsupported language should be rejected")
	}

	room, _ := env.database.GetRoom("room-1")
	if room.Language != "python" {
		t.Errorf("Rejected change must not persist, got %q", room.Language)
	}
}

func TestRunCodeBroadcastsRunningThenResult(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "python")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)
	drain(t, c2)

	ack := env.gateway.HandleRunCode(c1, RunCodePayload{RoomID: "room-1", Code: "print(42)", Language: "python"})
	if !ack.Success {
		t.Fatalf("Run should succeed: %s", ack.Message)
	}
	if ack.Output != "42\n" || ack.Status != "Accepted" {
		t.Errorf("Ack should carry the result, got %+v", ack)
	}

	// Both the sender and the rest of the room see running and result.
	for _, c := range []*Client{c1, c2} {
		events := drain(t, c)
		names := eventNames(events)
		if len(names) < 2 || names[0] != EventCodeRunning || names[1] != EventCodeResult {
			t.Fatalf("Client %s expected [code-running code-result], got %v", c.id, names)
		}

		var result CodeResultPayload
		json.Unmarshal(findEvent(t, events, EventCodeResult), &result)
		if result.Output != "42\n" || result.UserID != "user-1" || result.Timestamp == "" {
			t.Errorf("Client %s got unexpected result %+v", c.id, result)
		}
	}

	if env.executor.calls != 1 {
		t.Errorf("Expected exactly 1 execution, got %d", env.executor.calls)
	}
}

func TestRunCodeFailureStaysPrivate(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "python")
	env.executor.err = errors.New("code execution failed: backend unreachable")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)
	drain(t, c2)

	ack := env.gateway.HandleRunCode(c1, RunCodePayload{RoomID: "room-1", Code: "x", Language: "python"})
	if ack.Success {
		t.Fatal("Run should fail")
	}

	senderEvents := drain(t, c1)
	if !hasEvent(senderEvents, EventError) {
		t.Error("Sender should receive the error privately")
	}
	if hasEvent(senderEvents, EventCodeResult) {
		t.Error("No result should be broadcast on failure")
	}

	otherEvents := drain(t, c2)
	if hasEvent(otherEvents, EventError) {
		t.Error("Failures must not leak to other room members")
	}
	// The room did see the running marker, which fired before execution.
	if !hasEvent(otherEvents, EventCodeRunning) {
		t.Error("Running marker precedes the failure")
	}
}

func TestRunCodeUnknownRoomSkipsExecution(t *testing.T) {
	env := setupGateway(t)

	c := newTestClient(env.gateway, "user-1")
	ack := env.gateway.HandleRunCode(c, RunCodePayload{RoomID: "ghost", Code: "x", Language: "python"})
	if ack.Success {
		t.Fatal("Run against an unknown room should fail")
	}
	if env.executor.calls != 0 {
		t.Error("Unknown room must not reach the executor")
	}
}

func TestSaveCodePersistsAndNotifiesEveryone(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)
	drain(t, c2)

	ack := env.gateway.HandleSaveCode(c1, SaveCodePayload{RoomID: "room-1", Code: "final version"})
	if !ack.Success {
		t.Fatalf("Save should succeed: %s", ack.Message)
	}

	for _, c := range []*Client{c1, c2} {
		var saved CodeSavedPayload
		json.Unmarshal(findEvent(t, drain(t, c), EventCodeSaved), &saved)
		if saved.UserID != "user-1" || saved.Timestamp == "" {
			t.Errorf("Client %s got unexpected code-saved %+v", c.id, saved)
		}
	}

	room, _ := env.database.GetRoom("room-1")
	if room.Code != "final version" {
		t.Errorf("Save should persist durably, got %q", room.Code)
	}

	saves, _ := env.database.ListSaves("room-1", 10, 0)
	if len(saves) != 1 || saves[0].Code != "final version" {
		t.Errorf("Save should record history, got %v", saves)
	}
}

func TestLeaveRoomUpdatesPresence(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)
	drain(t, c2)

	ack := env.gateway.HandleLeaveRoom(c1, LeaveRoomPayload{RoomID: "room-1"})
	if !ack.Success {
		t.Fatalf("Leave should succeed: %s", ack.Message)
	}

	if hasEvent(drain(t, c1), EventUserLeft) {
		t.Error("The leaver must not receive its own user-left")
	}

	var presence PresencePayload
	json.Unmarshal(findEvent(t, drain(t, c2), EventUserLeft), &presence)
	if presence.UserID != "user-1" || presence.ActiveUsers != 1 {
		t.Errorf("Unexpected presence update %+v", presence)
	}

	room, _ := env.database.GetRoom("room-1")
	if room.ActiveUsers != 1 {
		t.Errorf("Durable counter should be 1, got %d", room.ActiveUsers)
	}
	if env.gateway.Roster().Size("room-1") != 1 {
		t.Errorf("Roster should have 1 member, got %d", env.gateway.Roster().Size("room-1"))
	}
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c := newTestClient(env.gateway, "user-1")
	env.gateway.HandleJoinRoom(c, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleLeaveRoom(c, LeaveRoomPayload{RoomID: "room-1"})
	env.gateway.HandleLeaveRoom(c, LeaveRoomPayload{RoomID: "room-1"})

	room, _ := env.database.GetRoom("room-1")
	if room.ActiveUsers != 0 {
		t.Errorf("Repeat leave must not double-decrement, got %d", room.ActiveUsers)
	}
}

func TestDisconnectRunsLeaveCleanup(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c1 := newTestClient(env.gateway, "user-1")
	c2 := newTestClient(env.gateway, "user-2")
	env.gateway.HandleJoinRoom(c1, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleJoinRoom(c2, JoinRoomPayload{RoomID: "room-1"})
	drain(t, c1)
	drain(t, c2)

	// Abrupt drop: no leave-room was ever sent.
	env.gateway.HandleDisconnect(c1)

	var presence PresencePayload
	json.Unmarshal(findEvent(t, drain(t, c2), EventUserLeft), &presence)
	if presence.UserID != "user-1" || presence.ActiveUsers != 1 {
		t.Errorf("Unexpected presence update %+v", presence)
	}

	room, _ := env.database.GetRoom("room-1")
	if room.ActiveUsers != 1 {
		t.Errorf("Durable counter should be 1, got %d", room.ActiveUsers)
	}
	if env.gateway.Roster().Size("room-1") != 1 {
		t.Errorf("Roster should have 1 member, got %d", env.gateway.Roster().Size("room-1"))
	}

	// A second disconnect finds nothing to clean up.
	env.gateway.HandleDisconnect(c1)
	room, _ = env.database.GetRoom("room-1")
	if room.ActiveUsers != 1 {
		t.Errorf("Retried disconnect must not double-decrement, got %d", room.ActiveUsers)
	}
}

func TestRoomDirectoryDropsEmptyRooms(t *testing.T) {
	env := setupGateway(t)
	env.database.CreateRoom("room-1", "", "go")

	c := newTestClient(env.gateway, "user-1")
	env.gateway.HandleJoinRoom(c, JoinRoomPayload{RoomID: "room-1"})
	env.gateway.HandleLeaveRoom(c, LeaveRoomPayload{RoomID: "room-1"})

	if env.gateway.Roster().Size("room-1") != 0 {
		t.Error("Roster should be empty")
	}
	if env.gateway.Hub().GetRoomCount() != 0 {
		t.Error("Hub should have dropped the empty room")
	}

	// The durable record survives; only the live registries reset.
	room, _ := env.database.GetRoom("room-1")
	if room == nil {
		t.Error("Durable record must survive the last leave")
	}
}
