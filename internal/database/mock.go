package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) CreateCharacter(params CreateCharacterParams) (Character, error) {
	args := m.Called(params)
	return args.Get(0).(Character), args.Error(1)
}
func (m *MockRepository) GetCharacterById(characterId int) (Character, error) {
	args := m.Called(characterId)
	return args.Get(0).(Character), args.Error(1)
}
func (m *MockRepository) ListCharactersByAccount(accountId int) ([]Character, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Character), args.Error(1)
}
func (m *MockRepository) DeleteCharacter(characterId, accountId int) error {
	args := m.Called(characterId, accountId)
	return args.Error(0)
}
func (m *MockRepository) GetStationById(stationId int) (Station, error) {
	args := m.Called(stationId)
	return args.Get(0).(Station), args.Error(1)
}
func (m *MockRepository) ListStations() ([]Station, error) {
	args := m.Called()
	return args.Get(0).([]Station), args.Error(1)
}
func (m *MockRepository) CreateRoomWithOwner(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoomById(roomId int) (Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) ListRoomsByStation(stationId int) ([]Room, error) {
	args := m.Called(stationId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockRepository) JoinRoom(params JoinRoomParams) (Participant, error) {
	args := m.Called(params)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRepository) LeaveRoom(roomId, accountId int) (LeaveResult, error) {
	args := m.Called(roomId, accountId)
	return args.Get(0).(LeaveResult), args.Error(1)
}
func (m *MockRepository) GetActiveParticipant(roomId, accountId int) (Participant, error) {
	args := m.Called(roomId, accountId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRepository) GetActiveParticipation(accountId int) (Participant, error) {
	args := m.Called(accountId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRepository) ListActiveParticipants(roomId int) ([]Participant, error) {
	args := m.Called(roomId)
	return args.Get(0).([]Participant), args.Error(1)
}
func (m *MockRepository) UpdateParticipantStats(participantId, hp, sanity int) error {
	args := m.Called(participantId, hp, sanity)
	return args.Error(0)
}
func (m *MockRepository) AdvanceRoomPhase(roomId, phase int) error {
	args := m.Called(roomId, phase)
	return args.Error(0)
}
func (m *MockRepository) SetRoomGenerating(roomId int, generating bool) error {
	args := m.Called(roomId, generating)
	return args.Error(0)
}
func (m *MockRepository) CreateMessage(msg ChatMessage) (ChatMessage, error) {
	args := m.Called(msg)
	return args.Get(0).(ChatMessage), args.Error(1)
}
func (m *MockRepository) GetMessagesAfter(roomId, afterId, limit int) ([]ChatMessage, error) {
	args := m.Called(roomId, afterId, limit)
	return args.Get(0).([]ChatMessage), args.Error(1)
}
func (m *MockRepository) GetRecentMessages(roomId, limit int) ([]ChatMessage, error) {
	args := m.Called(roomId, limit)
	return args.Get(0).([]ChatMessage), args.Error(1)
}
func (m *MockRepository) CreateKickVote(roomId, initiatorId, targetId int, expiresAt time.Time) (RoomVote, error) {
	args := m.Called(roomId, initiatorId, targetId, expiresAt)
	return args.Get(0).(RoomVote), args.Error(1)
}
func (m *MockRepository) GetVoteById(voteId int) (RoomVote, error) {
	args := m.Called(voteId)
	return args.Get(0).(RoomVote), args.Error(1)
}
func (m *MockRepository) CreateBallot(voteId, accountId int, approve bool) error {
	args := m.Called(voteId, accountId, approve)
	return args.Error(0)
}
func (m *MockRepository) CountBallots(voteId int) (int, int, error) {
	args := m.Called(voteId)
	return args.Int(0), args.Int(1), args.Error(2)
}
func (m *MockRepository) FinishVote(voteId int, status VoteStatus) error {
	args := m.Called(voteId, status)
	return args.Error(0)
}
func (m *MockRepository) ExpirePendingVotes(now time.Time) ([]RoomVote, error) {
	args := m.Called(now)
	return args.Get(0).([]RoomVote), args.Error(1)
}
func (m *MockRepository) CreateStoryState(state StoryState) (StoryState, error) {
	args := m.Called(state)
	return args.Get(0).(StoryState), args.Error(1)
}
func (m *MockRepository) GetLatestStoryState(roomId int) (StoryState, error) {
	args := m.Called(roomId)
	return args.Get(0).(StoryState), args.Error(1)
}
