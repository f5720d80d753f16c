package database

import "time"

type Repository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)

	CreateCharacter(params CreateCharacterParams) (Character, error)
	GetCharacterById(characterId int) (Character, error)
	ListCharactersByAccount(accountId int) ([]Character, error)
	DeleteCharacter(characterId, accountId int) error

	GetStationById(stationId int) (Station, error)
	ListStations() ([]Station, error)

	CreateRoomWithOwner(params CreateRoomParams) (Room, error)
	GetRoomById(roomId int) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	ListRoomsByStation(stationId int) ([]Room, error)
	JoinRoom(params JoinRoomParams) (Participant, error)
	LeaveRoom(roomId, accountId int) (LeaveResult, error)
	GetActiveParticipant(roomId, accountId int) (Participant, error)
	GetActiveParticipation(accountId int) (Participant, error)
	ListActiveParticipants(roomId int) ([]Participant, error)
	UpdateParticipantStats(participantId, hp, sanity int) error
	AdvanceRoomPhase(roomId, phase int) error
	SetRoomGenerating(roomId int, generating bool) error

	CreateMessage(msg ChatMessage) (ChatMessage, error)
	GetMessagesAfter(roomId, afterId, limit int) ([]ChatMessage, error)
	GetRecentMessages(roomId, limit int) ([]ChatMessage, error)

	CreateKickVote(roomId, initiatorId, targetId int, expiresAt time.Time) (RoomVote, error)
	GetVoteById(voteId int) (RoomVote, error)
	CreateBallot(voteId, accountId int, approve bool) error
	CountBallots(voteId int) (total, yes int, err error)
	FinishVote(voteId int, status VoteStatus) error
	ExpirePendingVotes(now time.Time) ([]RoomVote, error)

	CreateStoryState(state StoryState) (StoryState, error)
	GetLatestStoryState(roomId int) (StoryState, error)
}
