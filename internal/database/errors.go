package database

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrActiveElsewhere means the account already holds an active
	// participation in some room.
	ErrActiveElsewhere = errors.New("account already has an active participation")
	// ErrRoomNotJoinable means the room is full, not WAITING, or gone.
	ErrRoomNotJoinable = errors.New("room is not joinable")
	// ErrNotParticipant means no active participant row matched.
	ErrNotParticipant = errors.New("no active participation in room")
	// ErrVotePending means the room already has a PENDING vote.
	ErrVotePending = errors.New("room already has a pending vote")
	// ErrDuplicateBallot means the account already voted on this vote.
	ErrDuplicateBallot = errors.New("ballot already cast")
	// ErrVoteFinished means the vote left PENDING before this write.
	ErrVoteFinished = errors.New("vote is no longer pending")
)

const uniqueViolation = "23505"

// Partial unique indexes back the single-writer invariants; the
// constraint name is the only way to tell which one fired.
const (
	constraintOneActivePerAccount = "participants_one_active_per_account"
	constraintOnePendingPerRoom   = "room_votes_one_pending_per_room"
	constraintOneBallotPerVoter   = "vote_ballots_vote_id_account_id_key"
)

func mapConstraintError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}

	switch pqErr.Constraint {
	case constraintOneActivePerAccount:
		return ErrActiveElsewhere
	case constraintOnePendingPerRoom:
		return ErrVotePending
	case constraintOneBallotPerVoter:
		return ErrDuplicateBallot
	}

	return err
}
