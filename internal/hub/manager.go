package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"Voxlink/internal/event"
	"Voxlink/internal/model"
	"Voxlink/internal/repo"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const groupShards = 64

type inboundMessage struct {
	event  event.WsEvent
	client *Client
}

type groupBucket struct {
	sync.RWMutex
	groups map[string]map[string]*Client // conversationID -> sessionID -> client
}

type presenceTransition struct {
	userID   string
	online   bool
	lastSeen time.Time
}

// Hub owns the transport side of the coordination core: the connection
// registry, conversation-group membership for group broadcasts, the inbound
// worker pool, and the presence dispatch pipeline.
type Hub struct {
	registry *Registry
	fanout   *Fanout
	calls    *Coordinator

	users         repo.UserRepository
	conversations repo.ConversationRepository

	shards     [groupShards]*groupBucket
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	presence   chan presenceTransition

	allowedOrigins map[string]struct{}
	logger         *zap.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
}

func NewHub(registry *Registry, users repo.UserRepository, conversations repo.ConversationRepository, allowedOrigins []string, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:       registry,
		users:          users,
		conversations:  conversations,
		register:       make(chan *Client, 1024),
		unregister:     make(chan *Client, 1024),
		inbound:        make(chan inboundMessage, 4096), // buffer for burst handling
		presence:       make(chan presenceTransition, 1024),
		allowedOrigins: make(map[string]struct{}, len(allowedOrigins)),
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, origin := range allowedOrigins {
		h.allowedOrigins[origin] = struct{}{}
	}

	for i := 0; i < groupShards; i++ {
		h.shards[i] = &groupBucket{
			groups: make(map[string]map[string]*Client),
		}
	}

	registry.SetListener(h)

	go h.run()
	go h.runPresence()

	for i := 0; i < workerPoolSize; i++ {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.ctx.Done():
					return
				case in, ok := <-h.inbound:
					if !ok {
						return
					}
					h.handleEvent(in.event, in.client)
				}
			}
		}()
	}

	return h
}

// Attach wires the engines that consume inbound events. Must be called before
// the hub serves connections.
func (h *Hub) Attach(fanout *Fanout, calls *Coordinator) {
	h.fanout = fanout
	h.calls = calls
	fanout.SetHub(h)
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.registry.RegisterSession(c.userID, c.ID, c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	h.registry.UnregisterSession(c.userID, c.ID)
	h.leaveAllGroups(c)
	c.Shutdown()
}

// -----------------------------------------------------------------
// Presence pipeline
// -----------------------------------------------------------------

// UserOnline implements PresenceListener. Runs inside the registry's per-user
// critical section; it only enqueues.
func (h *Hub) UserOnline(userID string) {
	h.enqueuePresence(presenceTransition{userID: userID, online: true})
}

// UserOffline implements PresenceListener.
func (h *Hub) UserOffline(userID string, lastSeen time.Time) {
	h.enqueuePresence(presenceTransition{userID: userID, online: false, lastSeen: lastSeen})
}

func (h *Hub) enqueuePresence(t presenceTransition) {
	select {
	case h.presence <- t:
	default:
		// Dropping keeps the registry's critical section non-blocking; the
		// stored presence flag converges on the next transition.
		h.logger.Warn("presence queue full, dropping transition",
			zap.String("user_id", t.userID),
			zap.Bool("online", t.online),
		)
	}
}

// runPresence consumes transitions in arrival order, which preserves the
// per-user ordering established under the registry lock.
func (h *Hub) runPresence() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case t := <-h.presence:
			h.handlePresence(t)
		}
	}
}

func (h *Hub) handlePresence(t presenceTransition) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ev event.WsEvent
	if t.online {
		if err := h.users.SetPresence(ctx, t.userID, true, nil); err != nil {
			h.logger.Warn("persist presence failed", zap.String("user_id", t.userID), zap.Error(err))
		}
		ev = event.Envelope(event.EventPresenceOnline, model.PresenceEvent{
			UserID: t.userID,
			Online: true,
		})
	} else {
		lastSeen := t.lastSeen
		if err := h.users.SetPresence(ctx, t.userID, false, &lastSeen); err != nil {
			h.logger.Warn("persist presence failed", zap.String("user_id", t.userID), zap.Error(err))
		}
		ev = event.Envelope(event.EventPresenceOffline, model.PresenceEvent{
			UserID:   t.userID,
			Online:   false,
			LastSeen: lastSeen.Unix(),
		})

		// The registry has no a-priori knowledge of which calls the user is
		// in; the coordinator walks every room the user is a member of.
		if h.calls != nil {
			go h.calls.HandleDisconnect(t.userID)
		}
	}

	peers, err := h.conversations.PeersOf(ctx, t.userID)
	if err != nil {
		h.logger.Warn("resolve presence peers failed", zap.String("user_id", t.userID), zap.Error(err))
		return
	}
	for _, peer := range peers {
		h.registry.Send(peer, ev, sendTimeout)
	}
}

// -----------------------------------------------------------------
// Conversation groups (group transport for typing/status chatter)
// -----------------------------------------------------------------

func (h *Hub) joinGroup(conversationID string, c *Client) {
	b := h.shards[shardOf(conversationID)]
	b.Lock()
	defer b.Unlock()

	group, ok := b.groups[conversationID]
	if !ok {
		group = make(map[string]*Client)
		b.groups[conversationID] = group
	}
	group[c.ID] = c
}

func (h *Hub) leaveGroup(conversationID string, c *Client) {
	b := h.shards[shardOf(conversationID)]
	b.Lock()
	defer b.Unlock()

	if group, ok := b.groups[conversationID]; ok {
		delete(group, c.ID)
		if len(group) == 0 {
			delete(b.groups, conversationID)
		}
	}
}

func (h *Hub) leaveAllGroups(c *Client) {
	for _, b := range h.shards {
		b.Lock()
		for id, group := range b.groups {
			delete(group, c.ID)
			if len(group) == 0 {
				delete(b.groups, id)
			}
		}
		b.Unlock()
	}
}

// PublishToGroup delivers an event to every session joined to a conversation
// group, except the named session. Delivery is per-recipient best effort.
func (h *Hub) PublishToGroup(conversationID string, ev event.WsEvent, exceptSessionID string) {
	b := h.shards[shardOf(conversationID)]

	b.RLock()
	group, ok := b.groups[conversationID]
	if !ok || len(group) == 0 {
		b.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(group))
	for _, c := range group {
		if c.ID == exceptSessionID {
			continue
		}
		clients = append(clients, c)
	}
	b.RUnlock()

	for _, c := range clients {
		if !c.SafeSend(ev, sendTimeout) {
			h.logger.Debug("group delivery failed",
				zap.String("conversation_id", conversationID),
				zap.String("session_id", c.ID),
			)
			if kickOnFull {
				select {
				case h.unregister <- c:
				default:
				}
			}
		}
	}
}

// GroupCounts returns per-group session counts for monitoring.
func (h *Hub) GroupCounts() []model.GroupInfo {
	infos := make([]model.GroupInfo, 0)
	for _, b := range h.shards {
		b.RLock()
		for id, group := range b.groups {
			infos = append(infos, model.GroupInfo{
				ConversationID: id,
				Sessions:       len(group),
			})
		}
		b.RUnlock()
	}
	return infos
}

// -----------------------------------------------------------------
// Inbound event dispatch
// -----------------------------------------------------------------

func (h *Hub) handleEvent(ev event.WsEvent, c *Client) {
	switch ev.Event {
	case event.EventMessageSend,
		event.EventMessageDelivered,
		event.EventMessageRead,
		event.EventMessageEdit,
		event.EventMessageDelete,
		event.EventMessageForward,
		event.EventReactionAdd,
		event.EventReactionRemove,
		event.EventTypingStart,
		event.EventTypingStop:
		h.fanout.HandleMessageEvent(ev, c)
	case event.EventCallInitiate,
		event.EventCallJoin,
		event.EventCallDecline,
		event.EventCallLeave,
		event.EventCallEnd,
		event.EventCallParticipantStatus,
		event.EventCallInvite:
		h.calls.HandleCallEvent(ev, c)
	case event.EventGroupJoin, event.EventGroupLeave:
		h.handleGroupEvent(ev, c)
	default:
		h.logger.Warn("unknown event type", zap.String("event", ev.Event))
	}
}

func (h *Hub) handleGroupEvent(ev event.WsEvent, c *Client) {
	var payload event.GroupPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.ConversationID == "" {
		h.sendError(c, "invalid_payload", "conversationId is required")
		return
	}

	switch ev.Event {
	case event.EventGroupJoin:
		h.joinGroup(payload.ConversationID, c)
	case event.EventGroupLeave:
		h.leaveGroup(payload.ConversationID, c)
	}
}

func (h *Hub) sendError(c *Client, code, message string) {
	c.SafeSend(event.Envelope(event.EventError, model.ErrorPayload{
		Code:    code,
		Message: message,
	}), sendTimeout)
}

// -----------------------------------------------------------------
// WebSocket endpoint
// -----------------------------------------------------------------

func (h *Hub) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // native mobile clients send no origin
	}
	_, ok := h.allowedOrigins[origin]
	return ok
}

// ServeWS upgrades the request and registers the session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	RegisterClient(userID, conn, h)
}

// Stop shuts the hub down and closes every live session. The inbound channel
// stays open so read pumps racing the shutdown never write to a closed
// channel; the workers drain via the context instead.
func (h *Hub) Stop() {
	h.cancel()
	h.registry.ShutdownAll()
	h.wg.Wait()
}
