package database

import (
	"database/sql"
	"time"
)

type RoomStatus string

const (
	RoomWaiting  RoomStatus = "WAITING"
	RoomPlaying  RoomStatus = "PLAYING"
	RoomFinished RoomStatus = "FINISHED"
)

type MessageType string

const (
	MessageUser   MessageType = "USER"
	MessageLlm    MessageType = "LLM"
	MessageSystem MessageType = "SYSTEM"
	MessagePhase  MessageType = "PHASE"
	MessageVote   MessageType = "VOTE"
)

type VoteStatus string

const (
	VotePending VoteStatus = "PENDING"
	VotePassed  VoteStatus = "PASSED"
	VoteFailed  VoteStatus = "FAILED"
	VoteExpired VoteStatus = "EXPIRED"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	RoomsJoined  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Character struct {
	Id         int
	AccountId  int
	Name       string
	BaseHp     int
	BaseSanity int
	DeletedAt  sql.NullTime
	CreatedAt  time.Time
}

// Dead reports whether the character has been soft-deleted.
func (c Character) Dead() bool {
	return c.DeletedAt.Valid
}

type Station struct {
	Id   int
	Name string
	Line string
}

type Room struct {
	Id           int
	ExternalId   string
	Name         string
	StationId    int
	MaxPlayers   int
	CurrentPhase int
	Status       RoomStatus
	OwnerId      int
	Generating   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Participant struct {
	Id            int
	RoomId        int
	AccountId     int
	Username      string
	CharacterId   int
	CharacterName string
	Hp            int
	Sanity        int
	IsActive      bool
	JoinedAt      time.Time
	LeftAt        sql.NullTime
}

type ChatMessage struct {
	Id        int
	RoomId    int
	AccountId sql.NullInt64
	Sender    string
	Type      MessageType
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

type RoomVote struct {
	Id          int
	RoomId      int
	TargetId    int
	InitiatorId int
	Status      VoteStatus
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

type VoteBallot struct {
	Id        int
	VoteId    int
	AccountId int
	Approve   bool
	CreatedAt time.Time
}

type StoryState struct {
	Id        int
	RoomId    int
	Phase     int
	Narrative string
	Summary   string
	Context   map[string]string
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateCharacterParams struct {
	AccountId  int
	Name       string
	BaseHp     int
	BaseSanity int
}

type CreateRoomParams struct {
	Name       string
	ExternalId string
	StationId  int
	MaxPlayers int
	OwnerId    int
	// Owner's participant row, created in the same transaction.
	CharacterId int
	Hp          int
	Sanity      int
}

type JoinRoomParams struct {
	RoomId      int
	AccountId   int
	CharacterId int
	Hp          int
	Sanity      int
}

// LeaveResult reports what the leave transaction decided.
type LeaveResult struct {
	RoomFinished bool
	// NewOwnerId is non-zero when ownership was transferred.
	NewOwnerId int
}
