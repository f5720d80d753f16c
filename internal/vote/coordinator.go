// Package vote implements the kick-vote protocol: a time-boxed,
// unanimous-ballot decision to remove a participant from a room.
package vote

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nkwon/metrotales/internal/database"
	"github.com/nkwon/metrotales/internal/types"
)

// TTL is how long a vote stays open before the sweep expires it.
const TTL = time.Minute

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotOwner           = errors.New("only the room owner may start a vote")
	ErrSelfTarget         = errors.New("cannot start a vote against yourself")
	ErrTargetNotActive    = errors.New("target is not an active participant")
	ErrVoteAlreadyPending = errors.New("a vote is already pending in this room")
	ErrVoteNotFound       = errors.New("vote not found")
	ErrVoteFinished       = errors.New("vote is already resolved")
	ErrVoteExpired        = errors.New("vote has expired")
	ErrTargetCannotVote   = errors.New("the vote target cannot cast a ballot")
	ErrNotParticipant     = errors.New("not an active participant in this room")
	ErrAlreadyVoted       = errors.New("ballot already cast")
)

// Result reports the vote state after an operation, plus the side effects a
// caller must relay to the room.
type Result struct {
	State types.VoteState
	// Kicked is set when this ballot resolved the vote as PASSED and the
	// target was removed.
	Kicked bool
	// Leave carries the room consequences of a kick (ownership transfer,
	// room finishing).
	Leave database.LeaveResult
}

type Coordinator struct {
	log *log.Logger
	db  database.Repository
	now func() time.Time
}

func NewCoordinator(logger *log.Logger, db database.Repository) *Coordinator {
	return &Coordinator{
		log: logger,
		db:  db,
		now: time.Now,
	}
}

func snapshot(vote database.RoomVote, ballots, yes, required int) types.VoteState {
	return types.VoteState{
		VoteId:      vote.Id,
		RoomId:      vote.RoomId,
		TargetId:    vote.TargetId,
		InitiatorId: vote.InitiatorId,
		Status:      string(vote.Status),
		YesVotes:    yes,
		Ballots:     ballots,
		Required:    required,
		ExpiresAt:   vote.ExpiresAt,
	}
}

// required is the number of eligible voters: every active participant
// except the target.
func (c *Coordinator) required(roomId int) (int, error) {
	participants, err := c.db.ListActiveParticipants(roomId)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	return len(participants) - 1, nil
}

// StartKick opens a PENDING kick vote against target. Only the room owner
// may start one, and a room holds at most one pending vote at a time.
func (c *Coordinator) StartKick(roomId, initiatorId, targetId int) (Result, error) {
	room, err := c.db.GetRoomById(roomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrRoomNotFound
		}
		return Result{}, fmt.Errorf("get room: %w", err)
	}

	if room.OwnerId != initiatorId {
		return Result{}, ErrNotOwner
	}
	if initiatorId == targetId {
		return Result{}, ErrSelfTarget
	}

	if _, err := c.db.GetActiveParticipant(roomId, targetId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrTargetNotActive
		}
		return Result{}, fmt.Errorf("get target participant: %w", err)
	}

	vote, err := c.db.CreateKickVote(roomId, initiatorId, targetId, c.now().Add(TTL))
	if err != nil {
		if errors.Is(err, database.ErrVotePending) {
			return Result{}, ErrVoteAlreadyPending
		}
		return Result{}, fmt.Errorf("create vote: %w", err)
	}

	required, err := c.required(roomId)
	if err != nil {
		return Result{}, err
	}

	c.log.Printf("kick vote %d started in room %d against account %d", vote.Id, roomId, targetId)
	return Result{State: snapshot(vote, 0, 0, required)}, nil
}

// SubmitBallot records one ballot and resolves the vote once every eligible
// participant has voted: unanimous yes passes, anything else fails.
func (c *Coordinator) SubmitBallot(voteId, accountId int, approve bool) (Result, error) {
	vote, err := c.db.GetVoteById(voteId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrVoteNotFound
		}
		return Result{}, fmt.Errorf("get vote: %w", err)
	}

	if vote.Status != database.VotePending {
		return Result{}, ErrVoteFinished
	}

	if c.now().After(vote.ExpiresAt) {
		// Lazy expiry: resolve it now, still fail the call.
		if err := c.db.FinishVote(voteId, database.VoteExpired); err != nil && !errors.Is(err, database.ErrVoteFinished) {
			return Result{}, fmt.Errorf("expire vote: %w", err)
		}
		return Result{}, ErrVoteExpired
	}

	if accountId == vote.TargetId {
		return Result{}, ErrTargetCannotVote
	}

	if _, err := c.db.GetActiveParticipant(vote.RoomId, accountId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrNotParticipant
		}
		return Result{}, fmt.Errorf("get participant: %w", err)
	}

	if err := c.db.CreateBallot(voteId, accountId, approve); err != nil {
		if errors.Is(err, database.ErrDuplicateBallot) {
			return Result{}, ErrAlreadyVoted
		}
		return Result{}, fmt.Errorf("create ballot: %w", err)
	}

	required, err := c.required(vote.RoomId)
	if err != nil {
		return Result{}, err
	}

	total, yes, err := c.db.CountBallots(voteId)
	if err != nil {
		return Result{}, fmt.Errorf("count ballots: %w", err)
	}

	if total < required {
		return Result{State: snapshot(vote, total, yes, required)}, nil
	}

	status := database.VoteFailed
	if yes == required {
		status = database.VotePassed
	}

	if err := c.db.FinishVote(voteId, status); err != nil {
		if errors.Is(err, database.ErrVoteFinished) {
			// Another ballot resolved it first; report the final state.
			final, err := c.db.GetVoteById(voteId)
			if err != nil {
				return Result{}, fmt.Errorf("reload vote: %w", err)
			}
			return Result{State: snapshot(final, total, yes, required)}, nil
		}
		return Result{}, fmt.Errorf("finish vote: %w", err)
	}

	vote.Status = status
	result := Result{State: snapshot(vote, total, yes, required)}

	if status == database.VotePassed {
		leave, err := c.db.LeaveRoom(vote.RoomId, vote.TargetId)
		if err != nil && !errors.Is(err, database.ErrNotParticipant) {
			return Result{}, fmt.Errorf("kick target: %w", err)
		}
		result.Kicked = true
		result.Leave = leave
		c.log.Printf("kick vote %d passed, account %d removed from room %d", voteId, vote.TargetId, vote.RoomId)
	} else {
		c.log.Printf("kick vote %d failed (%d/%d yes)", voteId, yes, required)
	}

	return result, nil
}

// ProcessExpiredVotes transitions every overdue PENDING vote to EXPIRED and
// returns a broadcastable snapshot per vote. Safe to re-run; already
// expired votes don't match the conditional update.
func (c *Coordinator) ProcessExpiredVotes() ([]types.VoteState, error) {
	expired, err := c.db.ExpirePendingVotes(c.now())
	if err != nil {
		return nil, fmt.Errorf("expire votes: %w", err)
	}

	var states []types.VoteState
	for _, vote := range expired {
		required, err := c.required(vote.RoomId)
		if err != nil {
			return states, err
		}

		total, yes, err := c.db.CountBallots(vote.Id)
		if err != nil {
			return states, fmt.Errorf("count ballots: %w", err)
		}

		c.log.Printf("kick vote %d in room %d expired (%d/%d ballots)", vote.Id, vote.RoomId, total, required)
		states = append(states, snapshot(vote, total, yes, required))
	}

	return states, nil
}
