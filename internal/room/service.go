// Package room coordinates room lifecycle: create, join, leave and
// ownership transfer. All membership invariants are enforced by conditional
// writes in the database layer; this service validates inputs and maps
// outcomes to domain errors.
package room

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/nkwon/metrotales/internal/database"
)

// MaxPlayers is fixed: three seats per room.
const MaxPlayers = 3

var (
	ErrStationNotFound   = errors.New("station not found")
	ErrRoomNotFound      = errors.New("room not found")
	ErrCharacterNotFound = errors.New("character not found")
	ErrNotCharacterOwner = errors.New("character belongs to another account")
	ErrCharacterDead     = errors.New("character is dead")
	ErrAlreadyPlaying    = errors.New("already in a room")
	ErrRoomNotJoinable   = errors.New("room is full or not waiting")
	ErrNotParticipant    = errors.New("not an active participant")
)

type Service struct {
	log *log.Logger
	db  database.Repository
}

func NewService(logger *log.Logger, db database.Repository) *Service {
	return &Service{log: logger, db: db}
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

// validateCharacter checks the character exists, belongs to the account and
// is alive, and returns the vitals to snapshot onto the participant row.
func (s *Service) validateCharacter(accountId, characterId int) (hp, sanity int, name string, err error) {
	character, err := s.db.GetCharacterById(characterId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, "", ErrCharacterNotFound
		}
		return 0, 0, "", fmt.Errorf("get character: %w", err)
	}

	if character.AccountId != accountId {
		return 0, 0, "", ErrNotCharacterOwner
	}
	if character.Dead() {
		return 0, 0, "", ErrCharacterDead
	}

	return clampStat(character.BaseHp), clampStat(character.BaseSanity), character.Name, nil
}

// Create opens a WAITING room at the station and seats the creator as its
// first participant and owner.
func (s *Service) Create(stationId, accountId, characterId int, name, externalId string) (database.Room, error) {
	if _, err := s.db.GetStationById(stationId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Room{}, ErrStationNotFound
		}
		return database.Room{}, fmt.Errorf("get station: %w", err)
	}

	hp, sanity, _, err := s.validateCharacter(accountId, characterId)
	if err != nil {
		return database.Room{}, err
	}

	room, err := s.db.CreateRoomWithOwner(database.CreateRoomParams{
		Name:        name,
		ExternalId:  externalId,
		StationId:   stationId,
		MaxPlayers:  MaxPlayers,
		OwnerId:     accountId,
		CharacterId: characterId,
		Hp:          hp,
		Sanity:      sanity,
	})
	if err != nil {
		if errors.Is(err, database.ErrActiveElsewhere) {
			return database.Room{}, ErrAlreadyPlaying
		}
		return database.Room{}, fmt.Errorf("create room: %w", err)
	}

	s.log.Printf("room %q created at station %d by account %d", room.ExternalId, stationId, accountId)
	return room, nil
}

// Join seats the account in an existing WAITING room.
func (s *Service) Join(roomId, accountId, characterId int) (database.Participant, error) {
	hp, sanity, name, err := s.validateCharacter(accountId, characterId)
	if err != nil {
		return database.Participant{}, err
	}

	participant, err := s.db.JoinRoom(database.JoinRoomParams{
		RoomId:      roomId,
		AccountId:   accountId,
		CharacterId: characterId,
		Hp:          hp,
		Sanity:      sanity,
	})
	if err != nil {
		switch {
		case errors.Is(err, database.ErrActiveElsewhere):
			return database.Participant{}, ErrAlreadyPlaying
		case errors.Is(err, database.ErrRoomNotJoinable):
			return database.Participant{}, ErrRoomNotJoinable
		}
		return database.Participant{}, fmt.Errorf("join room: %w", err)
	}

	// The insert returns only participant columns; the display name comes
	// from the character row validated above.
	participant.CharacterName = name

	s.log.Printf("account %d joined room %d", accountId, roomId)
	return participant, nil
}

// Leave marks the participant inactive. The last active participant leaving
// finishes the room; an owner leaving a still-occupied room hands ownership
// to the longest-seated remaining participant.
func (s *Service) Leave(roomId, accountId int) (database.LeaveResult, error) {
	result, err := s.db.LeaveRoom(roomId, accountId)
	if err != nil {
		if errors.Is(err, database.ErrNotParticipant) {
			return database.LeaveResult{}, ErrNotParticipant
		}
		if errors.Is(err, sql.ErrNoRows) {
			return database.LeaveResult{}, ErrRoomNotFound
		}
		return database.LeaveResult{}, fmt.Errorf("leave room: %w", err)
	}

	switch {
	case result.RoomFinished:
		s.log.Printf("account %d left room %d, room finished", accountId, roomId)
	case result.NewOwnerId != 0:
		s.log.Printf("account %d left room %d, ownership moved to %d", accountId, roomId, result.NewOwnerId)
	default:
		s.log.Printf("account %d left room %d", accountId, roomId)
	}

	return result, nil
}

// RoomsByStation lists joinable or in-play rooms at a station.
func (s *Service) RoomsByStation(stationId int) ([]database.Room, error) {
	rooms, err := s.db.ListRoomsByStation(stationId)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}
