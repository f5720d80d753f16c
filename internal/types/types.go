package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	RoomsJoined  int       `json:"rooms_joined,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Character struct {
	Id         int       `json:"id"`
	Name       string    `json:"name"`
	BaseHp     int       `json:"base_hp"`
	BaseSanity int       `json:"base_sanity"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

type Station struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
	Line string `json:"line"`
}

type Room struct {
	Id           int           `json:"id"`
	ExternalId   string        `json:"external_id"`
	Name         string        `json:"name"`
	StationId    int           `json:"station_id"`
	MaxPlayers   int           `json:"max_players"`
	CurrentPhase int           `json:"current_phase"`
	Status       string        `json:"status"`
	OwnerId      int           `json:"owner_id"`
	Generating   bool          `json:"generating"`
	Participants []Participant `json:"participants,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

type Participant struct {
	UserId        int    `json:"user_id"`
	Username      string `json:"username"`
	CharacterName string `json:"character_name"`
	Hp            int    `json:"hp"`
	Sanity        int    `json:"sanity"`
	IsActive      bool   `json:"is_active"`
}

type ChatMessage struct {
	Id        int               `json:"id"`
	RoomId    int               `json:"room_id"`
	UserId    int               `json:"user_id,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// VoteState is the broadcast snapshot of a kick vote. The full snapshot is
// re-sent to the room on every state change so clients never track ballots
// themselves.
type VoteState struct {
	VoteId      int       `json:"vote_id"`
	RoomId      int       `json:"room_id"`
	TargetId    int       `json:"target_id"`
	InitiatorId int       `json:"initiator_id"`
	Status      string    `json:"status"`
	YesVotes    int       `json:"yes_votes"`
	Ballots     int       `json:"ballots"`
	Required    int       `json:"required"`
	ExpiresAt   time.Time `json:"expires_at"`
}
