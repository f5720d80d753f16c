// Package gateway is the real-time edge of the server: it owns websocket
// clients, routes their events to the room, vote and story services, and
// fans results back out to room subscribers.
//
// Each inbound event is handled independently on its client's read
// goroutine with no cross-event locks; correctness comes from conditional
// writes in the database layer and atomic claims in Redis.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nkwon/metrotales/internal/database"
	"github.com/nkwon/metrotales/internal/ratelimit"
	"github.com/nkwon/metrotales/internal/room"
	"github.com/nkwon/metrotales/internal/sanitize"
	"github.com/nkwon/metrotales/internal/stats"
	"github.com/nkwon/metrotales/internal/story"
	"github.com/nkwon/metrotales/internal/types"
	"github.com/nkwon/metrotales/internal/vote"
)

const syncMessageLimit = 100

const (
	MetricActiveConnections = "ActiveConnections"
	MetricMessagesBroadcast = "MessagesBroadcast"
	MetricStoryPhases       = "StoryPhases"
	MetricStoryFailures     = "StoryFailures"
	MetricVotesResolved     = "VotesResolved"
)

// RateLimiter gates chat sends per user.
type RateLimiter interface {
	Allow(ctx context.Context, userId int) (bool, time.Duration, error)
}

// VoteRunner is the slice of the vote coordinator the gateway drives.
type VoteRunner interface {
	StartKick(roomId, initiatorId, targetId int) (vote.Result, error)
	SubmitBallot(voteId, accountId int, approve bool) (vote.Result, error)
}

// PhaseGenerator produces the next story phase for a room.
type PhaseGenerator interface {
	GeneratePhase(ctx context.Context, roomId int) (*story.PhaseResult, error)
}

type Gateway struct {
	log            *log.Logger
	db             database.Repository
	limiter        RateLimiter
	votes          VoteRunner
	stories        PhaseGenerator
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	subs           map[int]map[*Client]struct{}
	subsLock       sync.RWMutex
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	done           chan struct{}
}

func NewGateway(logger *log.Logger, db database.Repository, limiter RateLimiter, votes VoteRunner, stories PhaseGenerator, sp stats.StatsProvider) (*Gateway, error) {
	g := &Gateway{
		log:            logger,
		db:             db,
		limiter:        limiter,
		votes:          votes,
		stories:        stories,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		subs:           make(map[int]map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, name := range []string{
		MetricActiveConnections,
		MetricMessagesBroadcast,
		MetricStoryPhases,
		MetricStoryFailures,
		MetricVotesResolved,
	} {
		sp.RegisterMetric(name)
	}

	return g, nil
}

func (g *Gateway) Run() {
	for {
		select {
		case client := <-g.RegisterChan:
			g.log.Printf("adding connection from %q", client.user.Username)
			g.addClient(client)
			g.stats.Incr(MetricActiveConnections)
		case client := <-g.deRegisterChan:
			g.log.Printf("removing connection from %q", client.user.Username)
			g.removeClient(client)
			g.stats.Decr(MetricActiveConnections)
		case <-g.stop:
			g.log.Println("shutting down gateway")
			g.clientsLock.Lock()
			for c := range g.clients {
				c.stopClient()
			}
			g.clientsLock.Unlock()

			close(g.done)
			return
		}
	}
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	close(g.stop)

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}

func (g *Gateway) addClient(c *Client) {
	g.clientsLock.Lock()
	defer g.clientsLock.Unlock()
	g.clients[c] = struct{}{}
}

func (g *Gateway) removeClient(c *Client) {
	g.clientsLock.Lock()
	delete(g.clients, c)
	g.clientsLock.Unlock()

	g.subsLock.Lock()
	defer g.subsLock.Unlock()
	for roomId, clients := range g.subs {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.subs, roomId)
		}
	}
}

// Subscribe attaches a client to a room's broadcast set.
func (g *Gateway) Subscribe(roomId int, c *Client) {
	g.subsLock.Lock()
	defer g.subsLock.Unlock()

	if g.subs[roomId] == nil {
		g.subs[roomId] = make(map[*Client]struct{})
	}
	g.subs[roomId][c] = struct{}{}
}

// UnsubscribeUser detaches every connection of a user from a room, used
// when the user leaves or is kicked.
func (g *Gateway) UnsubscribeUser(roomId, userId int) {
	g.subsLock.Lock()
	defer g.subsLock.Unlock()

	clients := g.subs[roomId]
	for c := range clients {
		if c.user.Id == userId {
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(g.subs, roomId)
	}
}

func (g *Gateway) broadcast(roomId int, msg *ServerMessage) {
	g.subsLock.RLock()
	defer g.subsLock.RUnlock()

	for client := range g.subs[roomId] {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}

	g.stats.Incr(MetricMessagesBroadcast)
}

// dispatch routes one inbound event. Panics in a handler are converted to a
// single-user error so a bad event can never take down the connection or
// leak to other room members.
func (g *Gateway) dispatch(msg *ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Printf("panic handling event from user %d: %v", msg.UserId, r)
			msg.client.queueMessage(ErrInternalError(msg.Id))
		}
	}()

	switch {
	case msg.Chat != nil:
		g.handleChat(msg)
	case msg.Action != nil:
		g.handleAction(msg)
	case msg.KickStart != nil:
		g.handleKickStart(msg)
	case msg.Ballot != nil:
		g.handleBallot(msg)
	case msg.Sync != nil:
		g.handleSync(msg)
	default:
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// authorize checks the sender holds an active participation in the room
// and keeps their connection subscribed to it.
func (g *Gateway) authorize(roomId int, msg *ClientMessage) (database.Participant, bool) {
	participant, err := g.db.GetActiveParticipant(roomId, msg.UserId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			msg.client.queueMessage(ErrForbidden(msg.Id, "not an active participant"))
		} else {
			g.log.Println("get participant:", err)
			msg.client.queueMessage(ErrInternalError(msg.Id))
		}
		return database.Participant{}, false
	}

	g.Subscribe(roomId, msg.client)
	return participant, true
}

func toWireMessage(msg database.ChatMessage) *types.ChatMessage {
	wire := &types.ChatMessage{
		Id:        msg.Id,
		RoomId:    msg.RoomId,
		Sender:    msg.Sender,
		Type:      string(msg.Type),
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		Timestamp: msg.CreatedAt,
	}
	if msg.AccountId.Valid {
		wire.UserId = int(msg.AccountId.Int64)
	}
	return wire
}

// persistMessage appends one message to the room's log and returns the
// broadcastable form.
func (g *Gateway) persistMessage(msg database.ChatMessage) (*types.ChatMessage, error) {
	saved, err := g.db.CreateMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return toWireMessage(saved), nil
}

func (g *Gateway) broadcastChat(roomId int, wire *types.ChatMessage) {
	g.broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     wire,
	})
}

func (g *Gateway) handleChat(msg *ClientMessage) {
	c := msg.client
	participant, ok := g.authorize(msg.Chat.RoomId, msg)
	if !ok {
		return
	}

	allowed, retryAfter, err := g.limiter.Allow(context.Background(), msg.UserId)
	if err != nil {
		g.log.Println("rate limiter:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}
	if !allowed {
		c.queueMessage(ErrTooManyRequests(msg.Id, retryAfter))
		return
	}

	content, err := sanitize.Clean(msg.Chat.Content)
	if err != nil {
		c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
		return
	}

	wire, err := g.persistMessage(database.ChatMessage{
		RoomId:    msg.Chat.RoomId,
		AccountId: sql.NullInt64{Int64: int64(msg.UserId), Valid: true},
		Sender:    participant.Username,
		Type:      database.MessageUser,
		Content:   content,
	})
	if err != nil {
		g.log.Println("save chat message:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id))
	g.broadcastChat(msg.Chat.RoomId, wire)
}

func (g *Gateway) handleAction(msg *ClientMessage) {
	roomId := msg.Action.RoomId
	if _, ok := g.authorize(roomId, msg); !ok {
		return
	}

	wire, err := g.persistMessage(database.ChatMessage{
		RoomId:  roomId,
		Type:    database.MessageSystem,
		Content: "The story is being written...",
		Metadata: map[string]string{
			"kind": "thinking",
		},
	})
	if err != nil {
		g.log.Println("save thinking message:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
	g.broadcastChat(roomId, wire)

	// Generation is slow; run it detached so the connection is free. The
	// completion handler persists then broadcasts, in that order.
	go g.runGeneration(roomId)
}

func (g *Gateway) runGeneration(roomId int) {
	result, err := g.stories.GeneratePhase(context.Background(), roomId)
	if err != nil {
		g.log.Printf("story generation for room %d: %v", roomId, err)
		g.stats.Incr(MetricStoryFailures)

		content := "The story could not continue. Try again in a moment."
		if errors.Is(err, story.ErrGenerationInFlight) {
			content = "The story is already being written."
		}

		wire, perr := g.persistMessage(database.ChatMessage{
			RoomId:  roomId,
			Type:    database.MessageSystem,
			Content: content,
			Metadata: map[string]string{
				"kind": "generation_error",
			},
		})
		if perr != nil {
			g.log.Println("save error message:", perr)
			return
		}
		g.broadcastChat(roomId, wire)
		return
	}

	wire, err := g.persistMessage(database.ChatMessage{
		RoomId:  roomId,
		Type:    database.MessagePhase,
		Content: result.Narrative,
		Metadata: map[string]string{
			"phase": fmt.Sprintf("%d", result.Phase),
		},
	})
	if err != nil {
		g.log.Println("save phase message:", err)
		return
	}

	g.stats.Incr(MetricStoryPhases)
	g.broadcastChat(roomId, wire)
}

func (g *Gateway) handleSync(msg *ClientMessage) {
	if _, ok := g.authorize(msg.Sync.RoomId, msg); !ok {
		return
	}

	messages, err := g.db.GetMessagesAfter(msg.Sync.RoomId, msg.Sync.LastMessageId, syncMessageLimit)
	if err != nil {
		g.log.Println("get messages:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	wireMessages := make([]types.ChatMessage, 0, len(messages))
	for _, m := range messages {
		wireMessages = append(wireMessages, *toWireMessage(m))
	}

	// Sync results go to the requesting client only.
	msg.client.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id, Timestamp: Now()},
		Sync: &SyncResult{
			RoomId:   msg.Sync.RoomId,
			Messages: wireMessages,
		},
	})
}

func (g *Gateway) handleKickStart(msg *ClientMessage) {
	roomId := msg.KickStart.RoomId
	if _, ok := g.authorize(roomId, msg); !ok {
		return
	}

	result, err := g.votes.StartKick(roomId, msg.UserId, msg.KickStart.TargetUserId)
	if err != nil {
		msg.client.queueMessage(voteErrorResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	wire, err := g.persistMessage(database.ChatMessage{
		RoomId:  roomId,
		Type:    database.MessageVote,
		Content: "A vote to remove a participant has started.",
		Metadata: map[string]string{
			"kind":    "vote_started",
			"vote_id": fmt.Sprintf("%d", result.State.VoteId),
			"user_id": fmt.Sprintf("%d", result.State.TargetId),
		},
	})
	if err != nil {
		g.log.Println("save vote message:", err)
	} else {
		g.broadcastChat(roomId, wire)
	}

	g.broadcastVoteState(roomId, result.State)
}

func (g *Gateway) handleBallot(msg *ClientMessage) {
	result, err := g.votes.SubmitBallot(msg.Ballot.VoteId, msg.UserId, msg.Ballot.Approve)
	if err != nil {
		msg.client.queueMessage(voteErrorResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
	g.broadcastVoteState(result.State.RoomId, result.State)

	if result.Kicked {
		g.afterKick(result)
	}
}

// afterKick relays the room consequences of a passed vote and detaches the
// target's connections.
func (g *Gateway) afterKick(result vote.Result) {
	roomId := result.State.RoomId

	wire, err := g.persistMessage(database.ChatMessage{
		RoomId:  roomId,
		Type:    database.MessageVote,
		Content: "A participant was removed from the room.",
		Metadata: map[string]string{
			"kind":    "kicked",
			"user_id": fmt.Sprintf("%d", result.State.TargetId),
		},
	})
	if err != nil {
		g.log.Println("save kick message:", err)
	} else {
		g.broadcastChat(roomId, wire)
	}

	g.UnsubscribeUser(roomId, result.State.TargetId)
}

// AnnounceSystem persists a SYSTEM message and broadcasts it to the room.
// Used by the HTTP layer for membership changes that happen off-channel.
func (g *Gateway) AnnounceSystem(roomId int, content string, metadata map[string]string) {
	wire, err := g.persistMessage(database.ChatMessage{
		RoomId:   roomId,
		Type:     database.MessageSystem,
		Content:  content,
		Metadata: metadata,
	})
	if err != nil {
		g.log.Println("save system message:", err)
		return
	}
	g.broadcastChat(roomId, wire)
}

// BroadcastVote implements vote.Notifier for the expiry sweeper.
func (g *Gateway) BroadcastVote(roomId int, state types.VoteState) {
	g.broadcastVoteState(roomId, state)
}

func (g *Gateway) broadcastVoteState(roomId int, state types.VoteState) {
	if state.Status != string(database.VotePending) {
		g.stats.Incr(MetricVotesResolved)
	}

	g.broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Vote:        &state,
	})
}

// voteErrorResponse maps coordinator and room errors onto coded single-user
// responses: the caller learns why, the room sees nothing.
func voteErrorResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, vote.ErrNotOwner),
		errors.Is(err, vote.ErrTargetCannotVote),
		errors.Is(err, vote.ErrNotParticipant),
		errors.Is(err, room.ErrNotParticipant):
		return ErrForbidden(id, err.Error())
	case errors.Is(err, vote.ErrSelfTarget):
		return ErrBadRequest(id, err.Error())
	case errors.Is(err, vote.ErrRoomNotFound),
		errors.Is(err, vote.ErrVoteNotFound),
		errors.Is(err, vote.ErrTargetNotActive):
		return ErrNotFound(id, err.Error())
	case errors.Is(err, vote.ErrVoteAlreadyPending),
		errors.Is(err, vote.ErrVoteFinished),
		errors.Is(err, vote.ErrAlreadyVoted):
		return ErrConflict(id, err.Error())
	case errors.Is(err, vote.ErrVoteExpired):
		return ErrGone(id, err.Error())
	}

	return ErrInternalError(id)
}

// Interface checks.
var (
	_ vote.Notifier = (*Gateway)(nil)
	_ RateLimiter   = (*ratelimit.Limiter)(nil)
)
