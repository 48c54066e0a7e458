package ws

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/streamchat/server/rpc"
)

const errMsgRateLimited = "Too many messages, please slow down"

func (h *rpcMethodHandler) handleChatMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatMessageParams
	if !h.decode(ctx, conn, req, &params) {
		return
	}

	if !h.limiter.Allow() {
		h.log.Warn("chat message rate limited")
		h.emitError(ctx, conn, errMsgRateLimited)
		if !req.Notif {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, errMsgRateLimited)
		}
		return
	}

	h.log.Info("received chat message", "messages", len(params.Messages), "hasConversation", params.ConversationID != nil)

	if !h.controller.Start(ctx, connEmitter{conn: conn}, h.session, params) {
		if !req.Notif {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "turn in progress")
		}
		return
	}
	h.ack(ctx, conn, req)
}

func (h *rpcMethodHandler) handleChatStop(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if h.session.Stop() {
		h.log.Info("stop requested")
	} else {
		// Nothing to stop; still confirm so the client leaves its streaming state.
		h.log.Debug("stop requested with no active turn")
		params := rpc.ChatStoppedParams{}
		if id, ok := h.session.ActiveConversation(); ok {
			params.ConversationID = id
		}
		h.emit(ctx, conn, rpc.EventChatStopped, params)
	}
	h.ack(ctx, conn, req)
}
