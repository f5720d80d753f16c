package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkwon/metrotales/internal/database"
	"github.com/nkwon/metrotales/internal/gateway"
	"github.com/nkwon/metrotales/internal/room"
	"github.com/nkwon/metrotales/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateCharacterRequest struct {
	Name       string `json:"name"`
	BaseHp     int    `json:"base_hp"`
	BaseSanity int    `json:"base_sanity"`
}

type CreateRoomRequest struct {
	StationId   int    `json:"station_id"`
	CharacterId int    `json:"character_id"`
	Name        string `json:"name"`
}

type JoinRoomRequest struct {
	RoomId      string `json:"room_id"`
	CharacterId int    `json:"character_id"`
}

type LeaveRoomRequest struct {
	RoomId string `json:"room_id"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		RoomsJoined:  u.RoomsJoined,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func toRoom(r database.Room) types.Room {
	return types.Room{
		Id:           r.Id,
		ExternalId:   r.ExternalId,
		Name:         r.Name,
		StationId:    r.StationId,
		MaxPlayers:   r.MaxPlayers,
		CurrentPhase: r.CurrentPhase,
		Status:       string(r.Status),
		OwnerId:      r.OwnerId,
		Generating:   r.Generating,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *App) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *App) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Email == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := toUser(dbUser)
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, u)
}

func (s *App) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the session cookie with an already-expired empty one
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *App) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *App) createCharacter(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateCharacterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || req.BaseHp < 1 || req.BaseHp > 100 || req.BaseSanity < 1 || req.BaseSanity > 100 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	character, err := s.db.CreateCharacter(database.CreateCharacterParams{
		AccountId:  userId,
		Name:       req.Name,
		BaseHp:     req.BaseHp,
		BaseSanity: req.BaseSanity,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Character{
		Id:         character.Id,
		Name:       character.Name,
		BaseHp:     character.BaseHp,
		BaseSanity: character.BaseSanity,
		CreatedAt:  character.CreatedAt,
	})
}

func (s *App) listCharacters(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbCharacters, err := s.db.ListCharactersByAccount(userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	characters := make([]types.Character, 0, len(dbCharacters))
	for _, c := range dbCharacters {
		characters = append(characters, types.Character{
			Id:         c.Id,
			Name:       c.Name,
			BaseHp:     c.BaseHp,
			BaseSanity: c.BaseSanity,
			CreatedAt:  c.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, characters)
}

func (s *App) deleteCharacter(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	characterId, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteCharacter(characterId, userId); err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *App) listStations(w http.ResponseWriter, r *http.Request) {
	dbStations, err := s.db.ListStations()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	stations := make([]types.Station, 0, len(dbStations))
	for _, st := range dbStations {
		stations = append(stations, types.Station{Id: st.Id, Name: st.Name, Line: st.Line})
	}

	s.writeJson(w, http.StatusOK, stations)
}

// roomErrorResponse maps orchestrator errors to API responses.
func roomErrorResponse(err error) *ApiError {
	switch {
	case errors.Is(err, room.ErrStationNotFound),
		errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, room.ErrCharacterNotFound):
		return NewNotFoundError()
	case errors.Is(err, room.ErrNotCharacterOwner),
		errors.Is(err, room.ErrNotParticipant):
		return NewForbiddenError()
	case errors.Is(err, room.ErrCharacterDead):
		return NewConflictError("character is dead")
	case errors.Is(err, room.ErrAlreadyPlaying):
		return NewConflictError("already in a room")
	case errors.Is(err, room.ErrRoomNotJoinable):
		return NewConflictError("room is full or no longer waiting")
	}

	return NewInternalServerError(err)
}

func (s *App) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || req.StationId == 0 || req.CharacterId == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newRoom, err := s.rooms.Create(req.StationId, userId, req.CharacterId, req.Name, sid)
	if err != nil {
		errResp := roomErrorResponse(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, toRoom(newRoom))
}

func (s *App) listRooms(w http.ResponseWriter, r *http.Request) {
	stationId, err := strconv.Atoi(r.URL.Query().Get("station_id"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbRooms, err := s.rooms.RoomsByStation(stationId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, dbRoom := range dbRooms {
		rooms = append(rooms, toRoom(dbRoom))
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *App) joinRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbRoom, err := s.db.GetRoomByExternalId(req.RoomId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participant, err := s.rooms.Join(dbRoom.Id, userId, req.CharacterId)
	if err != nil {
		errResp := roomErrorResponse(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.gw.AnnounceSystem(dbRoom.Id, participant.CharacterName+" entered the room.", map[string]string{
		"kind":    "joined",
		"user_id": strconv.Itoa(userId),
	})

	s.writeJson(w, http.StatusOK, toRoom(dbRoom))
}

func (s *App) leaveRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req LeaveRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbRoom, err := s.db.GetRoomByExternalId(req.RoomId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	result, err := s.rooms.Leave(dbRoom.Id, userId)
	if err != nil {
		errResp := roomErrorResponse(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.gw.UnsubscribeUser(dbRoom.Id, userId)

	if !result.RoomFinished {
		metadata := map[string]string{
			"kind":    "left",
			"user_id": strconv.Itoa(userId),
		}
		content := "A participant left the room."
		if result.NewOwnerId != 0 {
			metadata["new_owner_id"] = strconv.Itoa(result.NewOwnerId)
			content = "A participant left the room. Ownership has changed."
		}
		s.gw.AnnounceSystem(dbRoom.Id, content, metadata)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := gateway.NewClient(toUser(user), conn, s.gw, s.log)

	s.gw.RegisterChan <- client

	// Re-attach the connection to the user's room so broadcasts resume
	// before the client even asks to sync.
	if p, err := s.db.GetActiveParticipation(user.Id); err == nil {
		s.gw.Subscribe(p.RoomId, client)
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.log.Println("get active participation:", err)
	}

	go client.Write()
	go client.Read()
}
