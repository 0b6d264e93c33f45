package realtime

import (
	"context"
	"database/sql"
	"errors"

	"blockspace/api/internal/rbac"
	"blockspace/api/internal/store"
)

// BlockUpdater is the write-through to block storage for live edits.
// A missing block surfaces as sql.ErrNoRows.
type BlockUpdater interface {
	UpdateBlockContent(ctx context.Context, blockID string, blockType, content *string) (store.Block, error)
}

// Dispatcher routes an active session's inbound messages to their
// handlers. Messages that fail to parse, lack required fields, or carry
// an unknown kind are dropped without a reply.
type Dispatcher struct {
	registry *Registry
	blocks   BlockUpdater
}

func NewDispatcher(registry *Registry, blocks BlockUpdater) *Dispatcher {
	return &Dispatcher{registry: registry, blocks: blocks}
}

func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, raw []byte) {
	msg, ok := parseInbound(raw)
	if !ok {
		return
	}

	switch msg.Type {
	case MessageBlockUpdate:
		d.handleBlockUpdate(ctx, sess, msg)
	case MessageCursorPosition:
		d.handleCursorPosition(sess, msg)
	case MessageUserTyping:
		d.handleUserTyping(sess, msg)
	case MessageBlockSelection:
		d.handleBlockSelection(sess, msg)
	default:
		// Unknown kind: ignore, the session stays active.
	}
}

func (d *Dispatcher) handleBlockUpdate(ctx context.Context, sess *Session, msg inboundMessage) {
	if msg.BlockID == "" || msg.Content == nil {
		return
	}

	if !rbac.Allowed(sess.Role, rbac.EditBlocks, sess.IsCreator) {
		d.sendError(sess, "insufficient permissions to edit blocks")
		return
	}

	block, err := d.blocks.UpdateBlockContent(ctx, msg.BlockID, nil, msg.Content)
	if errors.Is(err, sql.ErrNoRows) {
		d.sendError(sess, "block not found")
		return
	}
	if err != nil {
		d.sendError(sess, "failed to update block")
		return
	}

	d.registry.Broadcast(sess.SpaceID, BlockUpdated{
		Type:              EventBlockUpdated,
		BlockID:           block.ID,
		Content:           block.Content,
		UpdatedBy:         sess.UserID,
		UpdatedByUsername: sess.Username,
		Timestamp:         timestamp(),
	}, sess.client)
}

func (d *Dispatcher) handleCursorPosition(sess *Session, msg inboundMessage) {
	if msg.BlockID == "" || msg.Position == nil {
		return
	}
	d.registry.Broadcast(sess.SpaceID, CursorPosition{
		Type:      EventCursorPosition,
		BlockID:   msg.BlockID,
		Position:  *msg.Position,
		UserID:    sess.UserID,
		Username:  sess.Username,
		Timestamp: timestamp(),
	}, sess.client)
}

func (d *Dispatcher) handleUserTyping(sess *Session, msg inboundMessage) {
	if msg.BlockID == "" {
		return
	}
	isTyping := false
	if msg.IsTyping != nil {
		isTyping = *msg.IsTyping
	}
	d.registry.Broadcast(sess.SpaceID, UserTyping{
		Type:      EventUserTyping,
		BlockID:   msg.BlockID,
		IsTyping:  isTyping,
		UserID:    sess.UserID,
		Username:  sess.Username,
		Timestamp: timestamp(),
	}, sess.client)
}

func (d *Dispatcher) handleBlockSelection(sess *Session, msg inboundMessage) {
	if msg.BlockID == "" {
		return
	}
	d.registry.Broadcast(sess.SpaceID, BlockSelection{
		Type:      EventBlockSelection,
		BlockID:   msg.BlockID,
		UserID:    sess.UserID,
		Username:  sess.Username,
		Timestamp: timestamp(),
	}, sess.client)
}

func (d *Dispatcher) sendError(sess *Session, message string) {
	d.registry.SendTo(sess.client, ErrorEvent{
		Type:      EventError,
		Message:   message,
		Timestamp: timestamp(),
	})
}
