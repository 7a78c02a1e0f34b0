package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"collab-engine/internal/comment"
	apierrors "collab-engine/internal/errors"
	"collab-engine/internal/notify"
	"collab-engine/internal/oplog"
	"collab-engine/internal/ot"
	"collab-engine/internal/session"
	"collab-engine/internal/snapshot"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origin is enforced by the CORS layer in front of the upgrade
	CheckOrigin: func(*http.Request) bool { return true },
}

// AccessChecker gates a user's entry to a document room and decides whether
// the user may mutate the document. Viewers connect read-only.
type AccessChecker interface {
	CanAccess(ctx context.Context, documentID string, userID uint64) error
	CanEdit(ctx context.Context, documentID string, userID uint64) error
}

// Gateway terminates websocket connections and routes client messages into
// the engine. All document mutations go through the operation log; the
// gateway never touches content directly.
type Gateway struct {
	logs      *oplog.Registry
	sessions  *session.Manager
	comments  *comment.Service
	snapshots *snapshot.Service
	access    AccessChecker
	hub       *Hub
	emitter   notify.Emitter
	logger    zerolog.Logger

	connMu sync.Mutex
	conns  map[string]*Conn // sessionID -> live connection
}

func NewGateway(
	logs *oplog.Registry,
	sessions *session.Manager,
	comments *comment.Service,
	snapshots *snapshot.Service,
	access AccessChecker,
	hub *Hub,
	emitter notify.Emitter,
	logger zerolog.Logger,
) *Gateway {
	return &Gateway{
		logs:      logs,
		sessions:  sessions,
		comments:  comments,
		snapshots: snapshots,
		access:    access,
		hub:       hub,
		emitter:   emitter,
		logger:    logger.With().Str("component", "gateway").Logger(),
		conns:     make(map[string]*Conn),
	}
}

// Hub exposes the room fan-out, wired as the session manager's membership
// listener during startup.
func (g *Gateway) Hub() *Hub { return g.hub }

// Connect upgrades GET /ws/documents/:id. The client arrives authenticated;
// the auth middleware put user_id and user_name on the gin context.
func (g *Gateway) Connect(c *gin.Context) {
	documentID := c.Param("id")
	userID := c.GetUint64("user_id")
	userName := c.GetString("user_name")
	ctx := c.Request.Context()

	if err := g.access.CanAccess(ctx, documentID, userID); err != nil {
		c.Error(err)
		return
	}
	// the role is resolved once per connection, a demotion applies on reconnect
	canEdit := g.access.CanEdit(ctx, documentID, userID) == nil
	// hydrate before the upgrade so a broken document fails as plain HTTP
	log, err := g.logs.Get(ctx, documentID)
	if err != nil {
		c.Error(apierrors.Internal(err))
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("document_id", documentID).Msg("upgrade failed")
		return
	}

	sess := g.sessions.Join(ctx, documentID, userID, userName)
	conn := newConn(ws, g, documentID, sess.ID, userID, userName)
	conn.canEdit = canEdit
	g.trackConn(conn)

	g.logger.Info().
		Str("document_id", documentID).
		Str("session_id", sess.ID).
		Uint64("user_id", userID).
		Bool("can_edit", canEdit).
		Msg("client connected")

	go conn.writeLoop()
	frame := g.buildSync(ctx, log, documentID, sess.ID)
	conn.syncRev = frame.Revision
	conn.Enqueue(frame)
	conn.readLoop(ctx)
}

func (g *Gateway) trackConn(c *Conn) {
	g.connMu.Lock()
	g.conns[c.sessionID] = c
	g.connMu.Unlock()
}

func (g *Gateway) untrackConn(c *Conn) {
	g.connMu.Lock()
	delete(g.conns, c.sessionID)
	g.connMu.Unlock()
}

// CloseExpired tears down the transport of a session the liveness sweep
// dropped, wired as the session manager's expiry listener. The session itself
// is already gone from the manager.
func (g *Gateway) CloseExpired(sessionID string) {
	g.connMu.Lock()
	c := g.conns[sessionID]
	g.connMu.Unlock()
	if c == nil {
		return
	}
	c.Enqueue(ErrorMessage{Type: "error", Code: "session_expired", Message: "Session timed out, reconnect"})
	g.hub.Leave(c.documentID, c)
	c.close()
	g.logger.Info().
		Str("session_id", sessionID).
		Str("document_id", c.documentID).
		Msg("closed timed out connection")
}

func (g *Gateway) buildSync(ctx context.Context, log *oplog.Log, documentID, sessionID string) SyncMessage {
	content, revision := log.Content()
	open, err := g.comments.List(ctx, documentID, comment.FilterOpen)
	if err != nil {
		g.logger.Error().Err(err).Str("document_id", documentID).Msg("load anchors for sync")
	}
	return SyncMessage{
		Type:        "sync",
		DocumentID:  documentID,
		SessionID:   sessionID,
		Revision:    revision,
		Content:     content,
		Comments:    open,
		Sessions:    g.sessions.Active(documentID),
		ServerClock: time.Now().UTC(),
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, msg ClientMessage) {
	switch msg.Type {
	case "sync_ack":
		g.handleSyncAck(ctx, c)
	case "operation":
		g.handleOperation(ctx, c, msg)
	case "presence_update":
		g.handlePresence(ctx, c, msg)
	case "comment_create":
		g.handleCommentCreate(ctx, c, msg)
	case "comment_resolve":
		g.handleCommentResolve(ctx, c, msg)
	case "heartbeat":
		if !g.sessions.Heartbeat(ctx, c.sessionID) {
			c.Enqueue(ErrorMessage{Type: "error", Code: "session_expired", Message: "Session timed out, reconnect"})
			c.close()
		}
	case "resync":
		g.handleResync(ctx, c, msg)
	case "save":
		g.handleSave(ctx, c, msg)
	}
}

// handleSyncAck moves the session into the broadcast set. Until now the
// client received nothing but its sync frame, so anything committed since
// that frame was built is replayed before regular broadcasts resume.
func (g *Gateway) handleSyncAck(ctx context.Context, c *Conn) {
	if _, ok := g.sessions.Activate(c.sessionID); !ok {
		c.Enqueue(ErrorMessage{Type: "error", Code: "session_expired", Message: "Session timed out, reconnect"})
		c.close()
		return
	}
	g.hub.Join(c.documentID, c)

	log, err := g.logs.Get(ctx, c.documentID)
	if err != nil {
		return
	}
	committed, err := log.OperationsSince(ctx, c.syncRev)
	if err != nil || len(committed) == 0 {
		return
	}
	c.Enqueue(OpBroadcastMessage{
		Type:       "operation_broadcast",
		DocumentID: c.documentID,
		Ops:        toBroadcastOps(committed),
	})
}

func (g *Gateway) handleOperation(ctx context.Context, c *Conn, msg ClientMessage) {
	if !c.canEdit {
		c.Enqueue(ErrorMessage{Type: "error", Code: "forbidden", Message: "Edit permission required", OperationID: msg.OperationID})
		return
	}
	log, err := g.logs.Get(ctx, c.documentID)
	if err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Document unavailable"})
		return
	}

	op := ot.Operation{
		DocumentID:  c.documentID,
		ClientID:    msg.ClientID,
		OperationID: msg.OperationID,
		Kind:        ot.Kind(msg.Kind),
		Position:    msg.Position,
		Body:        msg.Body,
		Length:      msg.Length,
		Timestamp:   time.Now().UTC(),
	}

	res, err := log.Append(ctx, c.userID, op, msg.BaseRevision)
	switch {
	case errors.Is(err, apierrors.ErrDuplicateOperation):
		// retransmit of something already committed, re-ack and move on
		c.Enqueue(AckMessage{Type: "operation_ack", OperationID: msg.OperationID, Revision: res.Revision, Duplicate: true})
		return
	case errors.Is(err, apierrors.ErrRevisionAhead):
		c.Enqueue(ErrorMessage{Type: "error", Code: "revision_ahead", Message: "Base revision is ahead of the document head", OperationID: msg.OperationID})
		return
	case errors.Is(err, apierrors.ErrTransformInvariant):
		c.Enqueue(ErrorMessage{Type: "error", Code: "operation_rejected", Message: "Operation could not be transformed, resync required", OperationID: msg.OperationID})
		return
	case err != nil:
		var apiErr *apierrors.APIError
		if errors.As(err, &apiErr) {
			c.Enqueue(ErrorMessage{Type: "error", Code: "invalid_operation", Message: apiErr.Message, OperationID: msg.OperationID})
			return
		}
		g.logger.Error().Err(err).Str("document_id", c.documentID).Msg("append failed")
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Commit failed", OperationID: msg.OperationID})
		return
	}

	g.sessions.Touch(c.sessionID)
	c.Enqueue(AckMessage{Type: "operation_ack", OperationID: msg.OperationID, Revision: res.Revision})

	ops := make([]BroadcastOp, len(res.Transformed))
	firstRev := res.Revision - uint64(len(res.Transformed)) + 1
	for i, p := range res.Transformed {
		ops[i] = BroadcastOp{
			Revision: firstRev + uint64(i),
			AuthorID: c.userID,
			Kind:     string(p.Kind),
			Position: p.Position,
			Body:     p.Body,
			Length:   p.Length,
		}
	}
	g.hub.Broadcast(c.documentID, OpBroadcastMessage{
		Type:       "operation_broadcast",
		DocumentID: c.documentID,
		AuthorID:   c.userID,
		SessionID:  c.sessionID,
		Ops:        ops,
	}, c)
	g.emitter.Emit(ctx, notify.EventOperationCommitted, c.documentID, ops)
}

func (g *Gateway) handlePresence(ctx context.Context, c *Conn, msg ClientMessage) {
	sess, ok := g.sessions.UpdatePresence(ctx, c.sessionID, *msg.Presence)
	if !ok {
		return
	}
	g.hub.Broadcast(c.documentID, PresenceBroadcastMessage{
		Type:       "presence_broadcast",
		DocumentID: c.documentID,
		Session:    *sess,
	}, c)
}

func (g *Gateway) handleCommentCreate(ctx context.Context, c *Conn, msg ClientMessage) {
	if !c.canEdit {
		c.Enqueue(ErrorMessage{Type: "error", Code: "forbidden", Message: "Edit permission required"})
		return
	}
	log, err := g.logs.Get(ctx, c.documentID)
	if err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Document unavailable"})
		return
	}
	content, revision := log.Content()

	created, err := g.comments.Create(ctx, comment.CreateInput{
		DocumentID:  c.documentID,
		AuthorID:    c.userID,
		AuthorName:  c.userName,
		Content:     msg.Content,
		AnchorStart: msg.AnchorStart,
		AnchorEnd:   msg.AnchorEnd,
		Revision:    revision,
		ParentID:    msg.ParentID,
	}, content)
	if err != nil {
		var apiErr *apierrors.APIError
		if errors.As(err, &apiErr) {
			c.Enqueue(ErrorMessage{Type: "error", Code: "comment_rejected", Message: apiErr.Message})
			return
		}
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Comment failed"})
		return
	}

	g.sessions.Touch(c.sessionID)
	g.hub.Broadcast(c.documentID, CommentBroadcastMessage{
		Type:       "comment_broadcast",
		DocumentID: c.documentID,
		Event:      "created",
		Comment:    *created,
	}, nil)
	g.emitter.Emit(ctx, notify.EventCommentCreated, c.documentID, created)
}

func (g *Gateway) handleCommentResolve(ctx context.Context, c *Conn, msg ClientMessage) {
	if !c.canEdit {
		c.Enqueue(ErrorMessage{Type: "error", Code: "forbidden", Message: "Edit permission required"})
		return
	}
	resolved, err := g.comments.Resolve(ctx, c.documentID, msg.CommentID)
	if err != nil {
		var apiErr *apierrors.APIError
		if errors.As(err, &apiErr) {
			c.Enqueue(ErrorMessage{Type: "error", Code: "comment_rejected", Message: apiErr.Message})
			return
		}
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Resolve failed"})
		return
	}

	g.hub.Broadcast(c.documentID, CommentBroadcastMessage{
		Type:       "comment_broadcast",
		DocumentID: c.documentID,
		Event:      "resolved",
		Comment:    *resolved,
	}, nil)
	g.emitter.Emit(ctx, notify.EventCommentResolved, c.documentID, resolved)
}

// handleResync catches a client up from a known revision. When that revision
// predates retained history the client gets a fresh full sync instead.
func (g *Gateway) handleResync(ctx context.Context, c *Conn, msg ClientMessage) {
	log, err := g.logs.Get(ctx, c.documentID)
	if err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Document unavailable"})
		return
	}

	committed, err := log.OperationsSince(ctx, msg.SinceRevision)
	if errors.Is(err, apierrors.ErrRevisionNotFound) {
		frame := g.buildSync(ctx, log, c.documentID, c.sessionID)
		c.syncRev = frame.Revision
		c.Enqueue(frame)
		return
	}
	if err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Resync failed"})
		return
	}

	c.Enqueue(OpBroadcastMessage{
		Type:       "operation_broadcast",
		DocumentID: c.documentID,
		Ops:        toBroadcastOps(committed),
	})
}

func toBroadcastOps(committed []oplog.CommittedOp) []BroadcastOp {
	ops := make([]BroadcastOp, len(committed))
	for i, co := range committed {
		ops[i] = BroadcastOp{
			Revision: co.Revision,
			AuthorID: co.AuthorID,
			Kind:     string(co.Op.Kind),
			Position: co.Op.Position,
			Body:     co.Op.Body,
			Length:   co.Op.Length,
		}
	}
	return ops
}

func (g *Gateway) handleSave(ctx context.Context, c *Conn, msg ClientMessage) {
	if !c.canEdit {
		c.Enqueue(ErrorMessage{Type: "error", Code: "forbidden", Message: "Edit permission required"})
		return
	}
	snap, err := g.snapshots.Create(ctx, snapshot.CreateInput{
		DocumentID:        c.documentID,
		AuthorID:          c.userID,
		ChangeDescription: msg.ChangeDescription,
		Trigger:           snapshot.TriggerManual,
	})
	if err != nil {
		c.Enqueue(ErrorMessage{Type: "error", Code: "internal", Message: "Save failed"})
		return
	}
	c.Enqueue(SavedMessage{
		Type:          "saved",
		DocumentID:    c.documentID,
		VersionNumber: snap.VersionNumber,
		Revision:      snap.RevisionAtSnapshot,
	})
	g.emitter.Emit(ctx, notify.EventSnapshotCreated, c.documentID, snap)
}

// disconnect tears the connection down exactly once. The session manager's
// listener broadcasts the shrunken session list to the remaining peers.
func (g *Gateway) disconnect(ctx context.Context, c *Conn) {
	g.untrackConn(c)
	g.hub.Leave(c.documentID, c)
	g.sessions.Leave(ctx, c.sessionID)
	c.close()
	g.logger.Info().
		Str("document_id", c.documentID).
		Str("session_id", c.sessionID).
		Msg("client disconnected")
}
