package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"collab-engine/internal/comment"
	apierrors "collab-engine/internal/errors"
	"collab-engine/internal/notify"
	"collab-engine/internal/oplog"
	"collab-engine/internal/session"
	"collab-engine/internal/snapshot"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAll struct{}

func (allowAll) CanAccess(context.Context, string, uint64) error { return nil }
func (allowAll) CanEdit(context.Context, string, uint64) error   { return nil }

// editorsOnly grants everyone access but edit rights only to listed users.
type editorsOnly struct {
	editors map[uint64]bool
}

func (editorsOnly) CanAccess(context.Context, string, uint64) error { return nil }

func (e editorsOnly) CanEdit(_ context.Context, _ string, userID uint64) error {
	if e.editors[userID] {
		return nil
	}
	return apierrors.Forbidden("Edit permission required", nil)
}

type testEnv struct {
	srv      *httptest.Server
	sessions *session.Manager
}

func newTestEnv(t *testing.T, access AccessChecker, grace time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logs := oplog.NewRegistry(oplog.NewMemoryStorage(), 64, zerolog.Nop())
	comments := comment.NewService(comment.NewMemoryRepository(), zerolog.Nop())
	logs.OnCommit(func(co oplog.CommittedOp, content string) {
		comments.ApplyOperation(context.Background(), co.Op, content)
	})
	sessions := session.NewManager(grace, 2*time.Minute, nil, zerolog.Nop())
	snapshots := snapshot.NewService(snapshot.NewMemoryRepository(), logs, time.Minute, 20, zerolog.Nop())

	gw := NewGateway(logs, sessions, comments, snapshots, access, NewHub(), notify.NopEmitter{}, zerolog.Nop())
	sessions.OnChange(gw.Hub().BroadcastSessionList)
	sessions.OnExpire(gw.CloseExpired)

	router := gin.New()
	router.GET("/ws/documents/:id", func(c *gin.Context) {
		userID := uint64(1)
		if v := c.Query("userId"); v != "" {
			parsed, err := strconv.ParseUint(v, 10, 64)
			require.NoError(t, err)
			userID = parsed
		}
		c.Set("user_id", userID)
		c.Set("user_name", c.Query("userName"))
		gw.Connect(c)
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sessions: sessions}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestEnv(t, allowAll{}, 30*time.Second).srv
}

func dial(t *testing.T, srv *httptest.Server, docID, userName string) *websocket.Conn {
	t.Helper()
	return dialAs(t, srv, docID, userName, 1)
}

func dialAs(t *testing.T, srv *httptest.Server, docID, userName string, userID uint64) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws/documents/%s?userName=%s&userId=%d",
		strings.TrimPrefix(srv.URL, "http"), docID, userName, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil discards frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var raw map[string]any
		require.NoError(t, conn.ReadJSON(&raw), "waiting for %q", msgType)
		if raw["type"] == msgType {
			return raw
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestConnect_SendsSyncFrame(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "doc-1", "alice")

	sync := readUntil(t, conn, "sync")
	assert.Equal(t, "doc-1", sync["document_id"])
	assert.Equal(t, float64(0), sync["revision"])
	assert.Equal(t, "", sync["content"])
	assert.NotEmpty(t, sync["session_id"])
}

func TestOperation_AckAndBroadcast(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv, "doc-1", "alice")
	readUntil(t, alice, "sync")
	send(t, alice, map[string]any{"type": "sync_ack"})

	bob := dial(t, srv, "doc-1", "bob")
	readUntil(t, bob, "sync")
	send(t, bob, map[string]any{"type": "sync_ack"})

	// once bob's presence comes back to alice, bob is in the room for sure
	send(t, bob, map[string]any{
		"type": "presence_update",
		"presence": map[string]any{
			"cursor": map[string]any{"line": 0, "column": 0},
		},
	})
	readUntil(t, alice, "presence_broadcast")

	send(t, alice, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "alice-1", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "hello",
	})

	ack := readUntil(t, alice, "operation_ack")
	assert.Equal(t, float64(1), ack["revision"])
	assert.Equal(t, float64(1), ack["operation_id"])

	bc := readUntil(t, bob, "operation_broadcast")
	ops := bc["ops"].([]any)
	require.Len(t, ops, 1)
	op := ops[0].(map[string]any)
	assert.Equal(t, "insert", op["kind"])
	assert.Equal(t, "hello", op["body"])
	assert.Equal(t, float64(1), op["revision"])
}

func TestOperation_DuplicateReacked(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "doc-1", "alice")
	readUntil(t, conn, "sync")
	send(t, conn, map[string]any{"type": "sync_ack"})

	op := map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "alice-1", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "x",
	}
	send(t, conn, op)
	first := readUntil(t, conn, "operation_ack")
	assert.Nil(t, first["duplicate"])

	send(t, conn, op)
	second := readUntil(t, conn, "operation_ack")
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["revision"], second["revision"])
}

func TestOperation_StaleBaseTransformed(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "doc-1", "alice")
	readUntil(t, conn, "sync")
	send(t, conn, map[string]any{"type": "sync_ack"})

	send(t, conn, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "a", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "World",
	})
	readUntil(t, conn, "operation_ack")

	// generated against revision 0, arrives at revision 1
	send(t, conn, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "b", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "Hello ",
	})
	ack := readUntil(t, conn, "operation_ack")
	assert.Equal(t, float64(2), ack["revision"])
}

func TestOperation_InvalidRejected(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "doc-1", "alice")
	readUntil(t, conn, "sync")
	send(t, conn, map[string]any{"type": "sync_ack"})

	// base revision beyond the head
	send(t, conn, map[string]any{
		"type": "operation", "base_revision": 99,
		"client_id": "a", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "x",
	})
	errFrame := readUntil(t, conn, "error")
	assert.Equal(t, "revision_ahead", errFrame["code"])

	// malformed payload never reaches the log
	send(t, conn, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "a", "operation_id": 2,
		"kind": "retain", "position": 0,
	})
	errFrame = readUntil(t, conn, "error")
	assert.Equal(t, "invalid_message", errFrame["code"])
}

func TestComment_CreateBroadcastAndSync(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "doc-1", "alice")
	readUntil(t, conn, "sync")
	send(t, conn, map[string]any{"type": "sync_ack"})

	send(t, conn, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "a", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "the quick brown fox",
	})
	readUntil(t, conn, "operation_ack")

	send(t, conn, map[string]any{
		"type": "comment_create", "content": "typo?",
		"anchor_start": 4, "anchor_end": 9,
	})
	bc := readUntil(t, conn, "comment_broadcast")
	assert.Equal(t, "created", bc["event"])
	created := bc["comment"].(map[string]any)
	assert.Equal(t, "quick", created["anchored_text"])

	// a fresh connection sees the open anchor in its sync frame
	second := dial(t, srv, "doc-1", "carol")
	sync := readUntil(t, second, "sync")
	var frame SyncMessage
	buf, err := json.Marshal(sync)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &frame))
	require.Len(t, frame.Comments, 1)
	assert.Equal(t, "quick", frame.Comments[0].AnchoredText)
}

func TestResync_ReplaysRetainedOps(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "doc-1", "alice")
	readUntil(t, conn, "sync")
	send(t, conn, map[string]any{"type": "sync_ack"})

	for i := 1; i <= 3; i++ {
		send(t, conn, map[string]any{
			"type": "operation", "base_revision": i - 1,
			"client_id": "a", "operation_id": i,
			"kind": "insert", "position": 0, "body": "x",
		})
		readUntil(t, conn, "operation_ack")
	}

	send(t, conn, map[string]any{"type": "resync", "since_revision": 1})
	bc := readUntil(t, conn, "operation_broadcast")
	ops := bc["ops"].([]any)
	require.Len(t, ops, 2)
	assert.Equal(t, float64(2), ops[0].(map[string]any)["revision"])
	assert.Equal(t, float64(3), ops[1].(map[string]any)["revision"])
}

func TestSave_ReturnsVersion(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "doc-1", "alice")
	readUntil(t, conn, "sync")
	send(t, conn, map[string]any{"type": "sync_ack"})

	send(t, conn, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "a", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "draft",
	})
	readUntil(t, conn, "operation_ack")

	send(t, conn, map[string]any{"type": "save", "change_description": "first draft"})
	saved := readUntil(t, conn, "saved")
	assert.Equal(t, float64(1), saved["version_number"])
	assert.Equal(t, float64(1), saved["revision"])
}

func TestSweep_ClosesTimedOutConnection(t *testing.T) {
	env := newTestEnv(t, allowAll{}, 300*time.Millisecond)

	alice := dial(t, env.srv, "doc-1", "alice")
	readUntil(t, alice, "sync")
	send(t, alice, map[string]any{"type": "sync_ack"})

	bob := dial(t, env.srv, "doc-1", "bob")
	readUntil(t, bob, "sync")
	send(t, bob, map[string]any{"type": "sync_ack"})

	// bob goes silent while alice keeps heartbeating; the resync round-trip
	// proves the heartbeat was processed before the sweep runs
	time.Sleep(200 * time.Millisecond)
	send(t, alice, map[string]any{"type": "heartbeat"})
	send(t, alice, map[string]any{"type": "resync", "since_revision": 0})
	readUntil(t, alice, "operation_broadcast")
	time.Sleep(200 * time.Millisecond)

	env.sessions.Sweep(context.Background())
	assert.Len(t, env.sessions.Active("doc-1"), 1)

	send(t, alice, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "a", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "hello",
	})
	readUntil(t, alice, "operation_ack")

	// bob's socket must be torn down; until the close lands, nothing that
	// arrives may be a broadcast of alice's commit
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var raw map[string]any
		if err := bob.ReadJSON(&raw); err != nil {
			return
		}
		require.NotEqual(t, "operation_broadcast", raw["type"],
			"timed out session still receives document broadcasts")
	}
}

func TestViewer_MutatingFramesRejected(t *testing.T) {
	env := newTestEnv(t, editorsOnly{editors: map[uint64]bool{1: true}}, 30*time.Second)

	viewer := dialAs(t, env.srv, "doc-1", "victor", 7)
	readUntil(t, viewer, "sync")
	send(t, viewer, map[string]any{"type": "sync_ack"})

	send(t, viewer, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "v", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "sneaky",
	})
	errFrame := readUntil(t, viewer, "error")
	assert.Equal(t, "forbidden", errFrame["code"])

	send(t, viewer, map[string]any{
		"type": "comment_create", "content": "mine now",
		"anchor_start": 0, "anchor_end": 0,
	})
	errFrame = readUntil(t, viewer, "error")
	assert.Equal(t, "forbidden", errFrame["code"])

	send(t, viewer, map[string]any{"type": "save", "change_description": "x"})
	errFrame = readUntil(t, viewer, "error")
	assert.Equal(t, "forbidden", errFrame["code"])

	// an editor still edits, and the viewer still receives the broadcast
	editor := dialAs(t, env.srv, "doc-1", "alice", 1)
	readUntil(t, editor, "sync")
	send(t, editor, map[string]any{"type": "sync_ack"})
	send(t, editor, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "a", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "hello",
	})
	readUntil(t, editor, "operation_ack")

	bc := readUntil(t, viewer, "operation_broadcast")
	ops := bc["ops"].([]any)
	require.Len(t, ops, 1)
	assert.Equal(t, "hello", ops[0].(map[string]any)["body"])
}

func TestSyncAck_ReplaysOpsCommittedDuringSync(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv, "doc-1", "alice")
	readUntil(t, alice, "sync")
	send(t, alice, map[string]any{"type": "sync_ack"})

	// bob holds his ack while alice commits past bob's sync revision
	bob := dial(t, srv, "doc-1", "bob")
	sync := readUntil(t, bob, "sync")
	assert.Equal(t, float64(0), sync["revision"])

	send(t, alice, map[string]any{
		"type": "operation", "base_revision": 0,
		"client_id": "a", "operation_id": 1,
		"kind": "insert", "position": 0, "body": "hello",
	})
	readUntil(t, alice, "operation_ack")

	send(t, bob, map[string]any{"type": "sync_ack"})
	bc := readUntil(t, bob, "operation_broadcast")
	ops := bc["ops"].([]any)
	require.Len(t, ops, 1)
	op := ops[0].(map[string]any)
	assert.Equal(t, float64(1), op["revision"])
	assert.Equal(t, "hello", op["body"])
}
