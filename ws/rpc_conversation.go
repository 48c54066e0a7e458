package ws

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/streamchat/server/chat"
	"github.com/streamchat/server/rpc"
	"github.com/streamchat/server/store"
)

// turnStopTimeout bounds how long a delete waits for a stopped turn to end.
const turnStopTimeout = 5 * time.Second

const errMsgMessageNotFound = "Message not found"

func (h *rpcMethodHandler) handleMessageEdit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.MessageEditParams
	if !h.decode(ctx, conn, req, &params) {
		return
	}

	msg, err := h.store.UpdateMessage(ctx, params.MessageID, params.NewContent)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			h.reject(ctx, conn, req, errMsgMessageNotFound)
			return
		}
		h.log.Error("failed to edit message", "messageId", params.MessageID, "error", err)
		h.fail(ctx, conn, req, chat.ErrMsgPersistence)
		return
	}

	h.log.Info("message edited", "messageId", msg.ID, "conversationId", msg.ConversationID)

	var editedAt = msg.CreatedAt
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}
	h.emit(ctx, conn, rpc.EventMessageEdited, rpc.MessageEditedParams{
		MessageID:  msg.ID,
		NewContent: msg.Content,
		EditedAt:   editedAt,
	})
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleConversationLoad(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationParams
	if !h.decode(ctx, conn, req, &params) {
		return
	}

	conv, err := h.store.FindConversation(ctx, params.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			h.reject(ctx, conn, req, chat.ErrMsgNotFound)
			return
		}
		h.log.Error("failed to load conversation", "conversationId", params.ConversationID, "error", err)
		h.fail(ctx, conn, req, chat.ErrMsgPersistence)
		return
	}

	msgs, err := h.store.FindMessagesByConversation(ctx, conv.ID)
	if err != nil {
		h.log.Error("failed to load messages", "conversationId", conv.ID, "error", err)
		h.fail(ctx, conn, req, chat.ErrMsgPersistence)
		return
	}

	h.session.Bind(conv.ID)
	h.log.Debug("conversation loaded", "conversationId", conv.ID, "messages", len(msgs))

	h.emit(ctx, conn, rpc.EventConversationLoaded, rpc.ConversationLoadedParams{
		Conversation: conv,
		Messages:     msgs,
	})
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleConversationsList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationsListParams
	if !h.decode(ctx, conn, req, &params) {
		return
	}

	limit := params.Limit
	if limit == 0 {
		limit = h.opts.ListLimit
	}

	convs, err := h.store.ListConversations(ctx, limit, params.Offset)
	if err != nil {
		h.log.Error("failed to list conversations", "error", err)
		h.fail(ctx, conn, req, chat.ErrMsgPersistence)
		return
	}

	h.emit(ctx, conn, rpc.EventConversationsListed, rpc.ConversationsParams{Conversations: convs})
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleConversationDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationParams
	if !h.decode(ctx, conn, req, &params) {
		return
	}

	// A turn streaming into the conversation must end before its rows go.
	if active, ok := h.session.ActiveConversation(); ok && active == params.ConversationID {
		waitCtx, cancel := context.WithTimeout(ctx, turnStopTimeout)
		if h.session.StopAndWait(waitCtx) {
			h.log.Info("stopped turn of deleted conversation", "conversationId", active)
		}
		cancel()
		h.session.Unbind(active)
	}

	if err := h.store.DeleteConversation(ctx, params.ConversationID); err != nil {
		h.log.Error("failed to delete conversation", "conversationId", params.ConversationID, "error", err)
		h.fail(ctx, conn, req, chat.ErrMsgPersistence)
		return
	}

	h.log.Info("conversation deleted", "conversationId", params.ConversationID)

	h.emit(ctx, conn, rpc.EventConversationDeleted, rpc.ConversationDeletedParams{ConversationID: params.ConversationID})
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleConversationsSearch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationsSearchParams
	if !h.decode(ctx, conn, req, &params) {
		return
	}

	convs, err := h.store.SearchConversations(ctx, params.Query)
	if err != nil {
		h.log.Error("failed to search conversations", "error", err)
		h.fail(ctx, conn, req, chat.ErrMsgPersistence)
		return
	}

	h.log.Debug("conversations searched", "results", len(convs))
	h.emit(ctx, conn, rpc.EventConversationsSearched, rpc.ConversationsParams{Conversations: convs})
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleConversationsSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if h.listWatcher == nil {
		h.fail(ctx, conn, req, chat.ErrMsgInternal)
		return
	}

	id, convs, err := h.listWatcher.Subscribe(ctx, conn, h.connID)
	if err != nil {
		h.log.Error("failed to subscribe to conversation list", "error", err)
		h.fail(ctx, conn, req, chat.ErrMsgPersistence)
		return
	}

	h.emit(ctx, conn, rpc.EventConversationsSubscribed, rpc.ConversationsSubscribedParams{
		ID:            id,
		Conversations: convs,
	})
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleConversationsUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationsUnsubscribeParams
	if !h.decode(ctx, conn, req, &params) {
		return
	}

	if h.listWatcher == nil || !h.listWatcher.Unsubscribe(params.ID, h.connID) {
		h.reject(ctx, conn, req, "Unknown subscription")
		return
	}
	h.log.Debug("conversation list unsubscribed", "watchId", params.ID)
	h.ack(ctx, conn, req)
}
