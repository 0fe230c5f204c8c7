package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pilot-collab/pilot/backend/internal/auth"
	"github.com/pilot-collab/pilot/backend/internal/content"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	outboxSize = 32
)

var (
	errMissingSocket  = errors.New("realtime: socket is required")
	errMissingStore   = errors.New("realtime: store is required")
	errMissingHub     = errors.New("realtime: hub is required")
	errMissingUpdater = errors.New("realtime: content updater is required")
	errMissingSharing = errors.New("realtime: sharing resolver is required")
	errMissingAccess  = errors.New("realtime: access checker is required")
)

// ContentUpdater is the reconciler surface the connection handler drives.
type ContentUpdater interface {
	ApplyChanges(ctx context.Context, itemID content.ItemID, editorID content.EditorID, changes map[string]content.Change) (content.ApplyResult, error)
	DeleteElasticElement(ctx context.Context, itemID content.ItemID, editorID content.EditorID, fieldName string, index int) error
}

// SharingResolver looks up external collaborator grants by token.
type SharingResolver interface {
	ResolveSharing(ctx context.Context, token string) (*auth.SharingGrant, error)
}

// AccessChecker is the ACL predicate for internal users, supplied by the
// surrounding permission system.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, itemID string) (bool, error)
}

// Socket is the transport surface the consumer drives. *websocket.Conn
// satisfies it; tests substitute a scripted fake.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(handler func(string) error)
	Close() error
}

// ConsumerConfig describes one connection's dependencies.
type ConsumerConfig struct {
	Socket  Socket
	Store   *Store
	Hub     *Hub
	Updater ContentUpdater
	Sharing SharingResolver
	Access  AccessChecker
	Logger  *zap.Logger
	Clock   func() time.Time

	// DeskID scopes the connection's desk-wide broadcast group.
	DeskID string
	// AuthenticatedUserID is the internal user id when the HTTP layer
	// already validated a session; empty for anonymous connections that
	// must authenticate with a sharing token first.
	AuthenticatedUserID string
}

// Consumer is the per-connection protocol state machine: it authenticates
// the connection, registers it on items, relays edit batches to the
// reconciler, and forwards broadcasts back onto the socket. All state
// transitions happen on the single read goroutine.
type Consumer struct {
	socket  Socket
	store   *Store
	hub     *Hub
	updater ContentUpdater
	sharing SharingResolver
	access  AccessChecker
	logger  *zap.Logger
	clock   func() time.Time

	deskID         string
	internalUserID string

	connID    string
	user      *User
	grant     *auth.SharingGrant
	outbox    chan []byte
	itemUnsub func()
}

// NewConsumer validates the configuration and constructs a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Socket == nil {
		return nil, errMissingSocket
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Updater == nil {
		return nil, errMissingUpdater
	}
	if cfg.Sharing == nil {
		return nil, errMissingSharing
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Consumer{
		socket:         cfg.Socket,
		store:          cfg.Store,
		hub:            cfg.Hub,
		updater:        cfg.Updater,
		sharing:        cfg.Sharing,
		access:         cfg.Access,
		logger:         logger,
		clock:          clock,
		deskID:         cfg.DeskID,
		internalUserID: cfg.AuthenticatedUserID,
		connID:         uuid.NewString(),
		outbox:         make(chan []byte, outboxSize),
	}, nil
}

// Run drives the connection until the socket closes or ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.internalUserID != "" {
		c.authenticate(runCtx, &User{
			ConnID: c.connID,
			Key:    "user:" + c.internalUserID,
		})
		c.logger.Info("realtime connection established",
			zap.String("conn_id", c.connID),
			zap.String("editor", c.user.Key))
	} else {
		c.logger.Info("realtime connection established",
			zap.String("conn_id", c.connID),
			zap.String("editor", "anonymous"))
	}

	go c.writePump(runCtx)
	c.readLoop(runCtx)

	cancel()
	c.disconnect()
}

func (c *Consumer) authenticate(ctx context.Context, user *User) {
	c.user = user
	c.store.AddUser(user)
	if c.deskID != "" {
		deskStream, _ := c.hub.Subscribe(ctx, DeskGroup(c.deskID), c.connID)
		go c.forward(ctx, deskStream)
	}
}

func (c *Consumer) readLoop(ctx context.Context) {
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			c.logger.Debug("realtime connection closed",
				zap.String("conn_id", c.connID),
				zap.Error(err))
			return
		}
		c.handleMessage(ctx, raw)
	}
}

// handleMessage dispatches one inbound message. Malformed payloads,
// permission failures, and unknown types are non-fatal no-ops; only the
// reconciler's invalid bucket is echoed back to the sender.
func (c *Consumer) handleMessage(ctx context.Context, raw []byte) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Debug("malformed realtime message dropped",
			zap.String("conn_id", c.connID),
			zap.Error(err))
		return
	}

	// Every inbound message refreshes the heartbeat; the first auth
	// message has no user yet.
	if c.user != nil {
		c.store.Touch(c.user)
	}

	switch envelope.Type {
	case MessageSharedItemAuth:
		c.handleSharedItemAuth(ctx, raw)
	case MessageRegisterOnItem:
		c.handleRegisterOnItem(ctx, raw)
	case MessageUpdateUserActivity:
		c.handleUpdateUserActivity(raw)
	case MessageUpdateItemContent:
		c.handleUpdateItemContent(ctx, raw)
	case MessageDeleteElasticElement:
		c.handleDeleteElasticElement(ctx, raw)
	default:
		c.logger.Debug("unknown realtime message type dropped",
			zap.String("conn_id", c.connID),
			zap.String("message_type", envelope.Type))
	}
}

func (c *Consumer) handleSharedItemAuth(ctx context.Context, raw []byte) {
	if c.user != nil {
		return
	}
	var payload sharedItemAuthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	grant, err := c.sharing.ResolveSharing(ctx, payload.Token)
	if err != nil {
		c.logger.Info("sharing token rejected",
			zap.String("conn_id", c.connID),
			zap.Error(err))
		return
	}

	c.grant = grant
	c.authenticate(ctx, &User{
		ConnID: c.connID,
		Key:    "email:" + grant.Email,
		Email:  grant.Email,
	})
	c.logger.Info("external collaborator authenticated",
		zap.String("conn_id", c.connID),
		zap.String("editor", c.user.Key))
}

func (c *Consumer) handleRegisterOnItem(ctx context.Context, raw []byte) {
	if c.user == nil {
		return
	}
	var payload registerOnItemPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	itemID, err := content.NewItemID(payload.ItemID)
	if err != nil {
		return
	}
	if !c.canAccess(ctx, itemID.String()) {
		// No error surfaced: access failures must not leak item existence.
		c.logger.Debug("item registration denied",
			zap.String("conn_id", c.connID),
			zap.String("item_id", itemID.String()))
		return
	}

	if c.itemUnsub != nil {
		c.itemUnsub()
		c.itemUnsub = nil
	}

	previousItemID := c.store.RegisterUserOnItem(c.user, itemID.String())

	// The forward goroutine gets its own context so canceling it at the
	// next registration stops delivery of envelopes still buffered for
	// this item.
	streamCtx, cancelStream := context.WithCancel(ctx)
	stream, unsub := c.hub.Subscribe(streamCtx, ItemGroup(itemID.String()), c.connID)
	c.itemUnsub = func() {
		cancelStream()
		unsub()
	}
	go c.forward(streamCtx, stream)

	c.broadcastPresence(itemID.String())
	if previousItemID != "" && previousItemID != itemID.String() {
		// Observers of the vacated item learn about the departure now
		// rather than at the next presence event.
		c.broadcastPresence(previousItemID)
	}
}

func (c *Consumer) handleUpdateUserActivity(raw []byte) {
	if c.user == nil {
		return
	}
	var payload updateUserActivityPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	itemID, registered := c.store.UpdateActivity(c.user, ActivityUpdate{
		FieldFocus:    payload.User.FieldFocus,
		FieldUpdating: payload.User.FieldUpdating,
		Selection:     payload.User.Selection,
	})
	if !registered {
		return
	}

	c.broadcastPresence(itemID)
}

func (c *Consumer) handleUpdateItemContent(ctx context.Context, raw []byte) {
	if c.user == nil {
		return
	}
	registeredItem := c.store.RegisteredItem(c.user)
	if registeredItem == "" {
		return
	}
	var payload updateItemContentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	itemID := content.ItemID(registeredItem)
	editorID, err := content.NewEditorID(c.user.Key)
	if err != nil {
		return
	}

	result, err := c.updater.ApplyChanges(ctx, itemID, editorID, payload.Changes)
	if err != nil {
		// A failed batch aborts atomically; the connection stays alive.
		c.logger.Error("edit batch failed",
			zap.String("conn_id", c.connID),
			zap.String("item_id", itemID.String()),
			zap.Error(err))
		return
	}

	if result.HasAccepted() {
		if payload.Selection != nil {
			c.store.UpdateActivity(c.user, ActivityUpdate{Selection: payload.Selection})
		}
		c.broadcastContent(itemID.String(), result.Accepted)
		c.broadcastPresence(itemID.String())
	}
	if result.HasInvalid() {
		c.sendInvalidChanges(itemID.String(), result.Invalid)
	}
}

func (c *Consumer) handleDeleteElasticElement(ctx context.Context, raw []byte) {
	if c.user == nil {
		return
	}
	registeredItem := c.store.RegisteredItem(c.user)
	if registeredItem == "" {
		return
	}
	var payload deleteElasticElementPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	itemID := content.ItemID(registeredItem)
	editorID, err := content.NewEditorID(c.user.Key)
	if err != nil {
		return
	}

	if err := c.updater.DeleteElasticElement(ctx, itemID, editorID, payload.FieldName, payload.Index); err != nil {
		c.logger.Error("elastic element deletion failed",
			zap.String("conn_id", c.connID),
			zap.String("item_id", itemID.String()),
			zap.String("field_name", payload.FieldName),
			zap.Error(err))
		return
	}

	// Index shifts touch an unbounded set of field names atomically, so
	// observers get a full-item refresh rather than a field-level delta.
	data, err := json.Marshal(itemRefreshMessage{
		Type:   MessageItemRefresh,
		ItemID: itemID.String(),
	})
	if err != nil {
		return
	}
	c.hub.Publish(ItemGroup(itemID.String()), Envelope{
		Type:        MessageItemRefresh,
		ItemID:      itemID.String(),
		Data:        data,
		ExcludeConn: c.connID,
	})
}

func (c *Consumer) canAccess(ctx context.Context, itemID string) bool {
	if c.grant != nil {
		return c.grant.CanSeeItem(itemID)
	}
	allowed, err := c.access.CanAccess(ctx, c.internalUserID, itemID)
	if err != nil {
		c.logger.Error("access check failed",
			zap.String("conn_id", c.connID),
			zap.String("item_id", itemID),
			zap.Error(err))
		return false
	}
	return allowed
}

func (c *Consumer) broadcastPresence(itemID string) {
	BroadcastPresence(c.hub, c.store, c.logger, itemID)
}

func (c *Consumer) broadcastContent(itemID string, accepted map[string]content.Change) {
	data, err := json.Marshal(itemContentChangedMessage{
		Type:    MessageItemContentChanged,
		ItemID:  itemID,
		Editor:  c.user.Key,
		Changes: accepted,
	})
	if err != nil {
		return
	}
	c.hub.Publish(ItemGroup(itemID), Envelope{
		Type:        MessageItemContentChanged,
		ItemID:      itemID,
		Data:        data,
		ExcludeConn: c.connID,
	})
}

func (c *Consumer) sendInvalidChanges(itemID string, invalid map[string]string) {
	data, err := json.Marshal(invalidChangesMessage{
		Type:    MessageInvalidChanges,
		ItemID:  itemID,
		Changes: invalid,
	})
	if err != nil {
		return
	}
	select {
	case c.outbox <- data:
	default:
		c.logger.Warn("outbox full, invalid-changes notice dropped",
			zap.String("conn_id", c.connID))
	}
}

// forward copies hub envelopes onto the connection's outbox. Sender
// exclusion already happened at publish time.
func (c *Consumer) forward(ctx context.Context, stream <-chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-stream:
			if ctx.Err() != nil {
				return
			}
			if len(envelope.Data) == 0 {
				continue
			}
			select {
			case c.outbox <- envelope.Data:
			default:
			}
		}
	}
}

func (c *Consumer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outbox:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Consumer) disconnect() {
	if c.user != nil {
		if vacated := c.store.RemoveUser(c.user); vacated != "" {
			c.broadcastPresence(vacated)
		}
	}
	_ = c.socket.Close()
	c.logger.Info("realtime connection torn down",
		zap.String("conn_id", c.connID))
}
