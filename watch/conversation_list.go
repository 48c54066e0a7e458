package watch

import (
	"context"
	"log/slog"

	"github.com/streamchat/server/rpc"
	"github.com/streamchat/server/store"
)

const eventBufferSize = 64

// ConversationListWatcher notifies subscribers when the conversation list
// changes. Store events are queued and sent from a separate goroutine so the
// store never waits on network I/O.
type ConversationListWatcher struct {
	*BaseWatcher
	store   store.Store
	limit   int
	eventCh chan store.ChangeEvent
}

// NewConversationListWatcher registers itself as the store's change listener.
// limit bounds the snapshot returned by Subscribe.
func NewConversationListWatcher(st store.Store, limit int) *ConversationListWatcher {
	w := &ConversationListWatcher{
		BaseWatcher: NewBaseWatcher("cl"),
		store:       st,
		limit:       limit,
		eventCh:     make(chan store.ChangeEvent, eventBufferSize),
	}
	st.SetOnChangeListener(w)
	return w
}

func (w *ConversationListWatcher) Start() error {
	go w.eventLoop()
	slog.Info("conversation list watcher started")
	return nil
}

func (w *ConversationListWatcher) Stop() {
	w.Cancel()
	slog.Info("conversation list watcher stopped")
}

func (w *ConversationListWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case event := <-w.eventCh:
			w.notifyChange(event)
		}
	}
}

func (w *ConversationListWatcher) notifyChange(event store.ChangeEvent) {
	if !w.HasSubscriptions() {
		return
	}

	n := w.NotifyAll(rpc.EventConversationsChanged, func(sub *Subscription) any {
		params := rpc.ConversationsChangedParams{
			ID:        sub.ID,
			Operation: string(event.Op),
		}
		if event.Op == store.OperationDelete {
			params.ConversationID = event.Conversation.ID
		} else {
			conv := event.Conversation
			params.Conversation = &conv
		}
		return params
	})

	slog.Debug("notified conversation list change", "operation", event.Op, "subscribers", n)
}

// Subscribe registers a subscriber and returns the subscription ID along with
// the current conversation list.
func (w *ConversationListWatcher) Subscribe(ctx context.Context, conn Notifier, connID string) (string, []store.Conversation, error) {
	id := w.GenerateID()
	// Subscribe first so no change between the snapshot and registration is lost.
	w.AddSubscription(&Subscription{ID: id, ConnID: connID, Conn: conn})

	convs, err := w.store.ListConversations(ctx, w.limit, 0)
	if err != nil {
		w.RemoveSubscription(id, connID)
		return "", nil, err
	}

	slog.Debug("conversation list subscription added", "watchId", id, "connId", connID)
	return id, convs, nil
}

// Unsubscribe removes a subscription. Returns false if connID does not own it.
func (w *ConversationListWatcher) Unsubscribe(id, connID string) bool {
	return w.RemoveSubscription(id, connID) != nil
}

// OnConversationChange implements store.OnChangeListener. It must not block;
// events are queued for the event loop.
func (w *ConversationListWatcher) OnConversationChange(event store.ChangeEvent) {
	if w.Context().Err() != nil {
		return
	}

	// TODO: on overflow, force subscribers to re-sync instead of dropping.
	select {
	case w.eventCh <- event:
	default:
		slog.Warn("conversation list change event dropped (buffer full)", "operation", event.Op)
	}
}
