package story

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/nkwon/metrotales/internal/database"
	"github.com/nkwon/metrotales/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GenerateResponse), args.Error(1)
}

type mockClaimer struct {
	mock.Mock
}

func (m *mockClaimer) TryAcquire(ctx context.Context, roomId int) (bool, error) {
	args := m.Called(ctx, roomId)
	return args.Bool(0), args.Error(1)
}

func (m *mockClaimer) Release(ctx context.Context, roomId int) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func grantedClaim(roomId int) *mockClaimer {
	claim := &mockClaimer{}
	claim.On("TryAcquire", mock.Anything, roomId).Return(true, nil)
	claim.On("Release", mock.Anything, roomId).Return(nil)
	return claim
}

func playingRoom() database.Room {
	return database.Room{
		Id:           5,
		StationId:    1,
		CurrentPhase: 2,
		Status:       database.RoomPlaying,
	}
}

func roomParticipants() []database.Participant {
	return []database.Participant{
		{Id: 1, RoomId: 5, AccountId: 10, CharacterName: "Mina", Hp: 80, Sanity: 90, IsActive: true},
		{Id: 2, RoomId: 5, AccountId: 20, CharacterName: "Juno", Hp: 60, Sanity: 40, IsActive: true},
	}
}

func TestGeneratePhase(t *testing.T) {
	t.Run("persists state, applies deltas, advances phase", func(t *testing.T) {
		mockDb := &database.MockRepository{}
		mockDb.On("SetRoomGenerating", 5, true).Return(nil)
		mockDb.On("SetRoomGenerating", 5, false).Return(nil)
		mockDb.On("GetRoomById", 5).Return(playingRoom(), nil)
		mockDb.On("ListActiveParticipants", 5).Return(roomParticipants(), nil)
		mockDb.On("GetStationById", 1).Return(database.Station{Id: 1, Name: "City Hall", Line: "Line 1"}, nil)
		mockDb.On("GetRecentMessages", 5, contextMessageLimit).Return([]database.ChatMessage{
			{Id: 3, Sender: "juno", Type: database.MessageUser, Content: "check the driver's cabin"},
			{Id: 2, Sender: "", Type: database.MessageSystem, Content: "The story is being written..."},
			{Id: 1, Sender: "mina", Type: database.MessageUser, Content: "we should run"},
		}, nil)
		mockDb.On("GetLatestStoryState", 5).Return(database.StoryState{
			RoomId:  5,
			Phase:   2,
			Summary: "The group boarded the last train.",
		}, nil)

		gen := &mockGenerator{}
		gen.On("Generate", mock.Anything, mock.MatchedBy(func(req GenerateRequest) bool {
			// Prompt carries only player speech, oldest first.
			return req.Phase == 2 &&
				req.Summary == "The group boarded the last train." &&
				len(req.Messages) == 2 &&
				req.Messages[0].Text == "we should run" &&
				len(req.Characters) == 2
		})).Return(&GenerateResponse{
			Narrative: "The driver's cabin is empty.",
			Summary:   "The train has no driver.",
			Deltas: []StatDelta{
				{CharacterName: "Mina", HpChange: -90, SanityChange: 5},
				{CharacterName: "Ghost", HpChange: -50},
			},
		}, nil)

		mockDb.On("CreateStoryState", database.StoryState{
			RoomId:    5,
			Phase:     3,
			Narrative: "The driver's cabin is empty.",
			Summary:   "The train has no driver.",
		}).Return(database.StoryState{Id: 8}, nil)
		// Deltas are clamped to [0,100]; the unknown name is dropped.
		mockDb.On("UpdateParticipantStats", 1, 0, 95).Return(nil)
		mockDb.On("AdvanceRoomPhase", 5, 3).Return(nil)

		o := NewOrchestrator(testutil.TestLogger(t), mockDb, gen, grantedClaim(5), time.Second)
		result, err := o.GeneratePhase(context.Background(), 5)

		require.NoError(t, err)
		assert.Equal(t, 3, result.Phase)
		assert.Equal(t, "The driver's cabin is empty.", result.Narrative)
		mockDb.AssertExpectations(t)
		mockDb.AssertNotCalled(t, "UpdateParticipantStats", 2, mock.Anything, mock.Anything)
	})

	t.Run("claim held elsewhere", func(t *testing.T) {
		claim := &mockClaimer{}
		claim.On("TryAcquire", mock.Anything, 5).Return(false, nil)

		o := NewOrchestrator(testutil.TestLogger(t), &database.MockRepository{}, &mockGenerator{}, claim, time.Second)
		_, err := o.GeneratePhase(context.Background(), 5)

		assert.ErrorIs(t, err, ErrGenerationInFlight)
		claim.AssertNotCalled(t, "Release", mock.Anything, 5)
	})

	t.Run("finished room gets no phases", func(t *testing.T) {
		room := playingRoom()
		room.Status = database.RoomFinished

		mockDb := &database.MockRepository{}
		mockDb.On("SetRoomGenerating", 5, mock.Anything).Return(nil)
		mockDb.On("GetRoomById", 5).Return(room, nil)

		o := NewOrchestrator(testutil.TestLogger(t), mockDb, &mockGenerator{}, grantedClaim(5), time.Second)
		_, err := o.GeneratePhase(context.Background(), 5)

		assert.ErrorIs(t, err, ErrRoomFinished)
	})

	t.Run("empty room gets no phases", func(t *testing.T) {
		mockDb := &database.MockRepository{}
		mockDb.On("SetRoomGenerating", 5, mock.Anything).Return(nil)
		mockDb.On("GetRoomById", 5).Return(playingRoom(), nil)
		mockDb.On("ListActiveParticipants", 5).Return([]database.Participant{}, nil)

		o := NewOrchestrator(testutil.TestLogger(t), mockDb, &mockGenerator{}, grantedClaim(5), time.Second)
		_, err := o.GeneratePhase(context.Background(), 5)

		assert.ErrorIs(t, err, ErrNoParticipants)
	})

	t.Run("first phase has no summary", func(t *testing.T) {
		room := playingRoom()
		room.CurrentPhase = 0
		room.Status = database.RoomWaiting

		mockDb := &database.MockRepository{}
		mockDb.On("SetRoomGenerating", 5, mock.Anything).Return(nil)
		mockDb.On("GetRoomById", 5).Return(room, nil)
		mockDb.On("ListActiveParticipants", 5).Return(roomParticipants(), nil)
		mockDb.On("GetStationById", 1).Return(database.Station{Id: 1}, nil)
		mockDb.On("GetRecentMessages", 5, contextMessageLimit).Return([]database.ChatMessage{}, nil)
		mockDb.On("GetLatestStoryState", 5).Return(database.StoryState{}, sql.ErrNoRows)

		gen := &mockGenerator{}
		gen.On("Generate", mock.Anything, mock.MatchedBy(func(req GenerateRequest) bool {
			return req.Summary == "" && req.Phase == 0
		})).Return(&GenerateResponse{Narrative: "The platform is deserted."}, nil)

		mockDb.On("CreateStoryState", mock.Anything).Return(database.StoryState{Id: 1}, nil)
		mockDb.On("AdvanceRoomPhase", 5, 1).Return(nil)

		o := NewOrchestrator(testutil.TestLogger(t), mockDb, gen, grantedClaim(5), time.Second)
		result, err := o.GeneratePhase(context.Background(), 5)

		require.NoError(t, err)
		assert.Equal(t, 1, result.Phase)
	})

	t.Run("generation failure persists nothing", func(t *testing.T) {
		mockDb := &database.MockRepository{}
		mockDb.On("SetRoomGenerating", 5, mock.Anything).Return(nil)
		mockDb.On("GetRoomById", 5).Return(playingRoom(), nil)
		mockDb.On("ListActiveParticipants", 5).Return(roomParticipants(), nil)
		mockDb.On("GetStationById", 1).Return(database.Station{Id: 1}, nil)
		mockDb.On("GetRecentMessages", 5, contextMessageLimit).Return([]database.ChatMessage{}, nil)
		mockDb.On("GetLatestStoryState", 5).Return(database.StoryState{}, sql.ErrNoRows)

		gen := &mockGenerator{}
		gen.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("service unavailable"))

		claim := grantedClaim(5)
		o := NewOrchestrator(testutil.TestLogger(t), mockDb, gen, claim, time.Second)
		_, err := o.GeneratePhase(context.Background(), 5)

		require.Error(t, err)
		mockDb.AssertNotCalled(t, "CreateStoryState", mock.Anything)
		mockDb.AssertNotCalled(t, "AdvanceRoomPhase", mock.Anything, mock.Anything)
		claim.AssertCalled(t, "Release", mock.Anything, 5)
	})
}
