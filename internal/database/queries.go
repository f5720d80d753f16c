package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func (db *PgRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
	)

	return u, err
}

func (db *PgRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, rooms_joined, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.RoomsJoined,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
	)

	return user, err
}

func (db *PgRepository) CreateCharacter(params CreateCharacterParams) (Character, error) {
	res := db.conn.QueryRow(
		"INSERT INTO characters (account_id, name, base_hp, base_sanity, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, account_id, name, base_hp, base_sanity, created_at",
		params.AccountId,
		params.Name,
		params.BaseHp,
		params.BaseSanity,
		time.Now().UTC(),
	)

	var c Character
	err := res.Scan(
		&c.Id,
		&c.AccountId,
		&c.Name,
		&c.BaseHp,
		&c.BaseSanity,
		&c.CreatedAt,
	)

	return c, err
}

func (db *PgRepository) GetCharacterById(characterId int) (Character, error) {
	row := db.conn.QueryRow(
		"SELECT id, account_id, name, base_hp, base_sanity, deleted_at, created_at FROM characters "+
			"WHERE id = $1 LIMIT 1",
		characterId,
	)

	var c Character
	err := row.Scan(
		&c.Id,
		&c.AccountId,
		&c.Name,
		&c.BaseHp,
		&c.BaseSanity,
		&c.DeletedAt,
		&c.CreatedAt,
	)

	return c, err
}

func (db *PgRepository) ListCharactersByAccount(accountId int) ([]Character, error) {
	rows, err := db.conn.Query(
		"SELECT id, account_id, name, base_hp, base_sanity, created_at FROM characters "+
			"WHERE account_id = $1 AND deleted_at IS NULL ORDER BY id",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var characters []Character
	for rows.Next() {
		var c Character
		if err = rows.Scan(&c.Id, &c.AccountId, &c.Name, &c.BaseHp, &c.BaseSanity, &c.CreatedAt); err != nil {
			break
		}

		characters = append(characters, c)
	}
	return characters, err
}

func (db *PgRepository) DeleteCharacter(characterId, accountId int) error {
	res, err := db.conn.Exec(
		"UPDATE characters SET deleted_at = $3 WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL",
		characterId,
		accountId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (db *PgRepository) GetStationById(stationId int) (Station, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, line FROM stations WHERE id = $1 LIMIT 1",
		stationId,
	)

	var st Station
	err := row.Scan(&st.Id, &st.Name, &st.Line)

	return st, err
}

func (db *PgRepository) ListStations() ([]Station, error) {
	rows, err := db.conn.Query("SELECT id, name, line FROM stations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []Station
	for rows.Next() {
		var st Station
		if err = rows.Scan(&st.Id, &st.Name, &st.Line); err != nil {
			break
		}

		stations = append(stations, st)
	}
	return stations, err
}

func (db *PgRepository) CreateRoomWithOwner(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (external_id, name, station_id, max_players, current_phase, status, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7) "+
			"RETURNING id, external_id, name, station_id, max_players, current_phase, status, owner_id, created_at, updated_at",
		params.ExternalId,
		params.Name,
		params.StationId,
		params.MaxPlayers,
		RoomWaiting,
		params.OwnerId,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.StationId,
		&room.MaxPlayers,
		&room.CurrentPhase,
		&room.Status,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	// The partial unique index on active participants rejects this insert if
	// the owner is already playing somewhere.
	_, err = tx.Exec(
		"INSERT INTO participants (room_id, account_id, character_id, hp, sanity, is_active, joined_at) "+
			"VALUES ($1, $2, $3, $4, $5, TRUE, $6)",
		room.Id,
		params.OwnerId,
		params.CharacterId,
		params.Hp,
		params.Sanity,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, mapConstraintError(err)
	}

	_, err = tx.Exec(
		"UPDATE accounts SET rooms_joined = rooms_joined + 1 WHERE id = $1",
		params.OwnerId,
	)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

const selectRoomColumns = "id, external_id, name, station_id, max_players, current_phase, status, owner_id, is_generating, created_at, updated_at"

func scanRoom(row *sql.Row) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.StationId,
		&room.MaxPlayers,
		&room.CurrentPhase,
		&room.Status,
		&room.OwnerId,
		&room.Generating,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	return room, err
}

func (db *PgRepository) GetRoomById(roomId int) (Room, error) {
	return scanRoom(db.conn.QueryRow(
		"SELECT "+selectRoomColumns+" FROM rooms WHERE id = $1 LIMIT 1",
		roomId,
	))
}

func (db *PgRepository) GetRoomByExternalId(externalId string) (Room, error) {
	return scanRoom(db.conn.QueryRow(
		"SELECT "+selectRoomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	))
}

func (db *PgRepository) ListRoomsByStation(stationId int) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT "+selectRoomColumns+" FROM rooms "+
			"WHERE station_id = $1 AND status IN ($2, $3) ORDER BY created_at DESC",
		stationId,
		RoomWaiting,
		RoomPlaying,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		err = rows.Scan(
			&room.Id,
			&room.ExternalId,
			&room.Name,
			&room.StationId,
			&room.MaxPlayers,
			&room.CurrentPhase,
			&room.Status,
			&room.OwnerId,
			&room.Generating,
			&room.CreatedAt,
			&room.UpdatedAt,
		)
		if err != nil {
			break
		}

		rooms = append(rooms, room)
	}
	return rooms, err
}

func (db *PgRepository) JoinRoom(params JoinRoomParams) (Participant, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Participant{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Capacity and status are checked inside the insert itself so two joins
	// racing for the last seat cannot both succeed.
	res := tx.QueryRow(
		"INSERT INTO participants (room_id, account_id, character_id, hp, sanity, is_active, joined_at) "+
			"SELECT r.id, $2, $3, $4, $5, TRUE, $6 FROM rooms r "+
			"WHERE r.id = $1 AND r.status = $7 "+
			"AND (SELECT count(*) FROM participants p WHERE p.room_id = r.id AND p.is_active) < r.max_players "+
			"RETURNING id, room_id, account_id, character_id, hp, sanity, is_active, joined_at",
		params.RoomId,
		params.AccountId,
		params.CharacterId,
		params.Hp,
		params.Sanity,
		time.Now().UTC(),
		RoomWaiting,
	)

	var p Participant
	err = res.Scan(
		&p.Id,
		&p.RoomId,
		&p.AccountId,
		&p.CharacterId,
		&p.Hp,
		&p.Sanity,
		&p.IsActive,
		&p.JoinedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			err = ErrRoomNotJoinable
			return Participant{}, err
		}
		err = mapConstraintError(err)
		return Participant{}, err
	}

	_, err = tx.Exec(
		"UPDATE accounts SET rooms_joined = rooms_joined + 1 WHERE id = $1",
		params.AccountId,
	)
	if err != nil {
		return Participant{}, err
	}

	if err = tx.Commit(); err != nil {
		return Participant{}, err
	}

	return p, nil
}

func (db *PgRepository) LeaveRoom(roomId, accountId int) (LeaveResult, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return LeaveResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Lock the room row so concurrent leaves for the same room serialize and
	// ownership transfer has a single writer.
	var ownerId int
	var status RoomStatus
	err = tx.QueryRow(
		"SELECT owner_id, status FROM rooms WHERE id = $1 FOR UPDATE",
		roomId,
	).Scan(&ownerId, &status)
	if err != nil {
		return LeaveResult{}, err
	}

	res, err := tx.Exec(
		"UPDATE participants SET is_active = FALSE, left_at = $3 "+
			"WHERE room_id = $1 AND account_id = $2 AND is_active",
		roomId,
		accountId,
		time.Now().UTC(),
	)
	if err != nil {
		return LeaveResult{}, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return LeaveResult{}, err
	}
	if n == 0 {
		err = ErrNotParticipant
		return LeaveResult{}, err
	}

	var remaining int
	err = tx.QueryRow(
		"SELECT count(*) FROM participants WHERE room_id = $1 AND is_active",
		roomId,
	).Scan(&remaining)
	if err != nil {
		return LeaveResult{}, err
	}

	var result LeaveResult
	if remaining == 0 {
		_, err = tx.Exec(
			"UPDATE rooms SET status = $2, updated_at = $3 WHERE id = $1",
			roomId,
			RoomFinished,
			time.Now().UTC(),
		)
		if err != nil {
			return LeaveResult{}, err
		}
		result.RoomFinished = true
	} else if ownerId == accountId {
		var newOwnerId int
		err = tx.QueryRow(
			"SELECT account_id FROM participants WHERE room_id = $1 AND is_active "+
				"ORDER BY joined_at, id LIMIT 1",
			roomId,
		).Scan(&newOwnerId)
		if err != nil {
			return LeaveResult{}, err
		}

		_, err = tx.Exec(
			"UPDATE rooms SET owner_id = $2, updated_at = $3 WHERE id = $1",
			roomId,
			newOwnerId,
			time.Now().UTC(),
		)
		if err != nil {
			return LeaveResult{}, err
		}
		result.NewOwnerId = newOwnerId
	}

	if err = tx.Commit(); err != nil {
		return LeaveResult{}, err
	}

	return result, nil
}

const selectParticipantColumns = "p.id, p.room_id, p.account_id, a.username, p.character_id, c.name, p.hp, p.sanity, p.is_active, p.joined_at, p.left_at"

const participantJoins = "FROM participants p " +
	"JOIN accounts a ON a.id = p.account_id " +
	"JOIN characters c ON c.id = p.character_id "

func scanParticipant(row *sql.Row) (Participant, error) {
	var p Participant
	err := row.Scan(
		&p.Id,
		&p.RoomId,
		&p.AccountId,
		&p.Username,
		&p.CharacterId,
		&p.CharacterName,
		&p.Hp,
		&p.Sanity,
		&p.IsActive,
		&p.JoinedAt,
		&p.LeftAt,
	)
	return p, err
}

func (db *PgRepository) GetActiveParticipant(roomId, accountId int) (Participant, error) {
	return scanParticipant(db.conn.QueryRow(
		"SELECT "+selectParticipantColumns+" "+participantJoins+
			"WHERE p.room_id = $1 AND p.account_id = $2 AND p.is_active LIMIT 1",
		roomId,
		accountId,
	))
}

func (db *PgRepository) GetActiveParticipation(accountId int) (Participant, error) {
	return scanParticipant(db.conn.QueryRow(
		"SELECT "+selectParticipantColumns+" "+participantJoins+
			"WHERE p.account_id = $1 AND p.is_active LIMIT 1",
		accountId,
	))
}

func (db *PgRepository) ListActiveParticipants(roomId int) ([]Participant, error) {
	rows, err := db.conn.Query(
		"SELECT "+selectParticipantColumns+" "+participantJoins+
			"WHERE p.room_id = $1 AND p.is_active ORDER BY p.joined_at, p.id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		err = rows.Scan(
			&p.Id,
			&p.RoomId,
			&p.AccountId,
			&p.Username,
			&p.CharacterId,
			&p.CharacterName,
			&p.Hp,
			&p.Sanity,
			&p.IsActive,
			&p.JoinedAt,
			&p.LeftAt,
		)
		if err != nil {
			break
		}

		participants = append(participants, p)
	}
	return participants, err
}

func (db *PgRepository) UpdateParticipantStats(participantId, hp, sanity int) error {
	_, err := db.conn.Exec(
		"UPDATE participants SET hp = $2, sanity = $3 WHERE id = $1",
		participantId,
		hp,
		sanity,
	)
	return err
}

func (db *PgRepository) AdvanceRoomPhase(roomId, phase int) error {
	// The phase counter is monotonic; an out-of-order writer loses silently.
	_, err := db.conn.Exec(
		"UPDATE rooms SET current_phase = $2, status = $3, updated_at = $4 "+
			"WHERE id = $1 AND current_phase < $2 AND status != $5",
		roomId,
		phase,
		RoomPlaying,
		time.Now().UTC(),
		RoomFinished,
	)
	return err
}

func (db *PgRepository) SetRoomGenerating(roomId int, generating bool) error {
	_, err := db.conn.Exec(
		"UPDATE rooms SET is_generating = $2 WHERE id = $1",
		roomId,
		generating,
	)
	return err
}

func (db *PgRepository) CreateMessage(msg ChatMessage) (ChatMessage, error) {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("marshal metadata: %w", err)
	}

	res := db.conn.QueryRow(
		"INSERT INTO chat_messages (room_id, account_id, message_type, content, metadata, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at",
		msg.RoomId,
		msg.AccountId,
		msg.Type,
		msg.Content,
		metadata,
		time.Now().UTC(),
	)

	err = res.Scan(&msg.Id, &msg.CreatedAt)
	return msg, err
}

const selectMessageColumns = "m.id, m.room_id, m.account_id, COALESCE(a.username, ''), m.message_type, m.content, m.metadata, m.created_at"

func (db *PgRepository) queryMessages(query string, args ...any) ([]ChatMessage, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var metadata []byte
		err = rows.Scan(
			&msg.Id,
			&msg.RoomId,
			&msg.AccountId,
			&msg.Sender,
			&msg.Type,
			&msg.Content,
			&metadata,
			&msg.CreatedAt,
		)
		if err != nil {
			break
		}

		if len(metadata) > 0 {
			if err = json.Unmarshal(metadata, &msg.Metadata); err != nil {
				err = fmt.Errorf("unmarshal metadata: %w", err)
				break
			}
		}

		messages = append(messages, msg)
	}
	return messages, err
}

// GetMessagesAfter returns up to limit messages newer than afterId, most
// recent first.
func (db *PgRepository) GetMessagesAfter(roomId, afterId, limit int) ([]ChatMessage, error) {
	return db.queryMessages(
		"SELECT "+selectMessageColumns+" FROM chat_messages m "+
			"LEFT JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.room_id = $1 AND m.id > $2 ORDER BY m.id DESC LIMIT $3",
		roomId,
		afterId,
		limit,
	)
}

// GetRecentMessages returns the room's latest messages, most recent first.
func (db *PgRepository) GetRecentMessages(roomId, limit int) ([]ChatMessage, error) {
	return db.queryMessages(
		"SELECT "+selectMessageColumns+" FROM chat_messages m "+
			"LEFT JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.room_id = $1 ORDER BY m.id DESC LIMIT $2",
		roomId,
		limit,
	)
}

func (db *PgRepository) CreateKickVote(roomId, initiatorId, targetId int, expiresAt time.Time) (RoomVote, error) {
	res := db.conn.QueryRow(
		"INSERT INTO room_votes (room_id, vote_type, target_id, initiator_id, status, expires_at, created_at) "+
			"VALUES ($1, 'KICK', $2, $3, $4, $5, $6) "+
			"RETURNING id, room_id, target_id, initiator_id, status, expires_at, created_at",
		roomId,
		targetId,
		initiatorId,
		VotePending,
		expiresAt,
		time.Now().UTC(),
	)

	var vote RoomVote
	err := res.Scan(
		&vote.Id,
		&vote.RoomId,
		&vote.TargetId,
		&vote.InitiatorId,
		&vote.Status,
		&vote.ExpiresAt,
		&vote.CreatedAt,
	)
	if err != nil {
		return RoomVote{}, mapConstraintError(err)
	}

	return vote, nil
}

func (db *PgRepository) GetVoteById(voteId int) (RoomVote, error) {
	row := db.conn.QueryRow(
		"SELECT id, room_id, target_id, initiator_id, status, expires_at, created_at "+
			"FROM room_votes WHERE id = $1 LIMIT 1",
		voteId,
	)

	var vote RoomVote
	err := row.Scan(
		&vote.Id,
		&vote.RoomId,
		&vote.TargetId,
		&vote.InitiatorId,
		&vote.Status,
		&vote.ExpiresAt,
		&vote.CreatedAt,
	)

	return vote, err
}

func (db *PgRepository) CreateBallot(voteId, accountId int, approve bool) error {
	_, err := db.conn.Exec(
		"INSERT INTO vote_ballots (vote_id, account_id, approve, created_at) VALUES ($1, $2, $3, $4)",
		voteId,
		accountId,
		approve,
		time.Now().UTC(),
	)
	return mapConstraintError(err)
}

func (db *PgRepository) CountBallots(voteId int) (int, int, error) {
	row := db.conn.QueryRow(
		"SELECT count(*), count(*) FILTER (WHERE approve) FROM vote_ballots WHERE vote_id = $1",
		voteId,
	)

	var total, yes int
	err := row.Scan(&total, &yes)
	return total, yes, err
}

// FinishVote transitions a PENDING vote to a terminal status. Losing the
// race to another resolver returns ErrVoteFinished.
func (db *PgRepository) FinishVote(voteId int, status VoteStatus) error {
	res, err := db.conn.Exec(
		"UPDATE room_votes SET status = $2 WHERE id = $1 AND status = $3",
		voteId,
		status,
		VotePending,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVoteFinished
	}
	return nil
}

func (db *PgRepository) ExpirePendingVotes(now time.Time) ([]RoomVote, error) {
	rows, err := db.conn.Query(
		"UPDATE room_votes SET status = $1 WHERE status = $2 AND expires_at < $3 "+
			"RETURNING id, room_id, target_id, initiator_id, status, expires_at, created_at",
		VoteExpired,
		VotePending,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []RoomVote
	for rows.Next() {
		var vote RoomVote
		err = rows.Scan(
			&vote.Id,
			&vote.RoomId,
			&vote.TargetId,
			&vote.InitiatorId,
			&vote.Status,
			&vote.ExpiresAt,
			&vote.CreatedAt,
		)
		if err != nil {
			break
		}

		votes = append(votes, vote)
	}
	return votes, err
}

func (db *PgRepository) CreateStoryState(state StoryState) (StoryState, error) {
	context, err := json.Marshal(state.Context)
	if err != nil {
		return StoryState{}, fmt.Errorf("marshal context: %w", err)
	}

	res := db.conn.QueryRow(
		"INSERT INTO story_states (room_id, phase, narrative, summary, context, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at",
		state.RoomId,
		state.Phase,
		state.Narrative,
		state.Summary,
		context,
		time.Now().UTC(),
	)

	err = res.Scan(&state.Id, &state.CreatedAt)
	return state, err
}

func (db *PgRepository) GetLatestStoryState(roomId int) (StoryState, error) {
	row := db.conn.QueryRow(
		"SELECT id, room_id, phase, narrative, summary, context, created_at FROM story_states "+
			"WHERE room_id = $1 ORDER BY phase DESC LIMIT 1",
		roomId,
	)

	var state StoryState
	var context []byte
	err := row.Scan(
		&state.Id,
		&state.RoomId,
		&state.Phase,
		&state.Narrative,
		&state.Summary,
		&context,
		&state.CreatedAt,
	)
	if err != nil {
		return StoryState{}, err
	}

	if len(context) > 0 {
		if err := json.Unmarshal(context, &state.Context); err != nil {
			return StoryState{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}

	return state, nil
}
