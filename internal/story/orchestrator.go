package story

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nkwon/metrotales/internal/database"
)

// How much recent chat goes into the generation context.
const contextMessageLimit = 100

var (
	// ErrGenerationInFlight means another generation holds the room claim.
	ErrGenerationInFlight = errors.New("story generation already in flight for room")
	// ErrRoomFinished means the room is terminal and gets no more phases.
	ErrRoomFinished = errors.New("room is finished")
	// ErrNoParticipants means the room has no active participants left.
	ErrNoParticipants = errors.New("room has no active participants")
)

// Generator is the slice of the story client the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// RoomClaimer guards a room against concurrent generations.
type RoomClaimer interface {
	TryAcquire(ctx context.Context, roomId int) (bool, error)
	Release(ctx context.Context, roomId int) error
}

// PhaseResult is what the gateway broadcasts after a successful generation.
type PhaseResult struct {
	Phase     int
	Narrative string
}

type Orchestrator struct {
	log     *log.Logger
	db      database.Repository
	client  Generator
	claim   RoomClaimer
	timeout time.Duration
}

func NewOrchestrator(logger *log.Logger, db database.Repository, client Generator, claim RoomClaimer, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		log:     logger,
		db:      db,
		client:  client,
		claim:   claim,
		timeout: timeout,
	}
}

func clampStat(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// GeneratePhase produces the room's next narrative beat. Nothing is
// persisted unless the external call succeeds; on any failure the room's
// participants and story state are untouched.
func (o *Orchestrator) GeneratePhase(ctx context.Context, roomId int) (*PhaseResult, error) {
	acquired, err := o.claim.TryAcquire(ctx, roomId)
	if err != nil {
		return nil, fmt.Errorf("acquire claim: %w", err)
	}
	if !acquired {
		return nil, ErrGenerationInFlight
	}
	defer func() {
		if err := o.claim.Release(context.WithoutCancel(ctx), roomId); err != nil {
			o.log.Printf("release story claim for room %d: %v", roomId, err)
		}
	}()

	// Advisory mirror of the claim for clients polling room state.
	if err := o.db.SetRoomGenerating(roomId, true); err != nil {
		o.log.Printf("set generating flag for room %d: %v", roomId, err)
	}
	defer func() {
		if err := o.db.SetRoomGenerating(roomId, false); err != nil {
			o.log.Printf("clear generating flag for room %d: %v", roomId, err)
		}
	}()

	room, err := o.db.GetRoomById(roomId)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room.Status == database.RoomFinished {
		return nil, ErrRoomFinished
	}

	participants, err := o.db.ListActiveParticipants(roomId)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	station, err := o.db.GetStationById(room.StationId)
	if err != nil {
		return nil, fmt.Errorf("get station: %w", err)
	}

	messages, err := o.db.GetRecentMessages(roomId, contextMessageLimit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}

	var summary string
	lastState, err := o.db.GetLatestStoryState(roomId)
	switch {
	case err == nil:
		summary = lastState.Summary
	case errors.Is(err, sql.ErrNoRows):
		// First phase, no running summary yet.
	default:
		return nil, fmt.Errorf("get story state: %w", err)
	}

	req := o.buildRequest(room, station, participants, messages, summary)

	genCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Generate(genCtx, req)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	nextPhase := room.CurrentPhase + 1
	if _, err := o.db.CreateStoryState(database.StoryState{
		RoomId:    roomId,
		Phase:     nextPhase,
		Narrative: resp.Narrative,
		Summary:   resp.Summary,
	}); err != nil {
		return nil, fmt.Errorf("persist story state: %w", err)
	}

	o.applyDeltas(participants, resp.Deltas)

	if err := o.db.AdvanceRoomPhase(roomId, nextPhase); err != nil {
		return nil, fmt.Errorf("advance phase: %w", err)
	}

	o.log.Printf("room %d advanced to phase %d", roomId, nextPhase)
	return &PhaseResult{Phase: nextPhase, Narrative: resp.Narrative}, nil
}

func (o *Orchestrator) buildRequest(room database.Room, station database.Station, participants []database.Participant, messages []database.ChatMessage, summary string) GenerateRequest {
	req := GenerateRequest{
		StationId:   station.Id,
		StationName: station.Name,
		StationLine: station.Line,
		Phase:       room.CurrentPhase,
		Summary:     summary,
	}

	// Messages arrive most recent first; the service wants them in
	// conversational order. Only player speech goes into the prompt.
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Type != database.MessageUser {
			continue
		}
		req.Messages = append(req.Messages, MessageExcerpt{
			Speaker: msg.Sender,
			Text:    msg.Content,
		})
	}

	for _, p := range participants {
		req.Characters = append(req.Characters, CharacterState{
			Name:   p.CharacterName,
			Hp:     p.Hp,
			Sanity: p.Sanity,
		})
	}

	return req
}

// applyDeltas matches stat changes to participants by character name and
// clamps the result to [0,100]. Names the service invented are ignored.
func (o *Orchestrator) applyDeltas(participants []database.Participant, deltas []StatDelta) {
	byName := make(map[string]database.Participant, len(participants))
	for _, p := range participants {
		byName[p.CharacterName] = p
	}

	for _, delta := range deltas {
		p, ok := byName[delta.CharacterName]
		if !ok {
			o.log.Printf("stat delta for unknown character %q ignored", delta.CharacterName)
			continue
		}

		hp := clampStat(p.Hp + delta.HpChange)
		sanity := clampStat(p.Sanity + delta.SanityChange)
		if err := o.db.UpdateParticipantStats(p.Id, hp, sanity); err != nil {
			o.log.Printf("update stats for participant %d: %v", p.Id, err)
		}
	}
}
