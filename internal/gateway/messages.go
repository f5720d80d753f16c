package gateway

import (
	"net/http"
	"time"

	"github.com/nkwon/metrotales/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the inbound event envelope: exactly one event field is
// set per message.
type ClientMessage struct {
	BaseMessage
	Chat      *Chat      `json:"chat,omitempty"`
	Action    *Action    `json:"action,omitempty"`
	KickStart *KickStart `json:"kick_start,omitempty"`
	Ballot    *Ballot    `json:"ballot,omitempty"`
	Sync      *Sync      `json:"sync,omitempty"`
	UserId    int        `json:"-"`
	client    *Client    `json:"-"`
}

type Chat struct {
	RoomId  int    `json:"room_id"`
	Content string `json:"content"`
}

// Action asks for the next story phase to be generated.
type Action struct {
	RoomId int `json:"room_id"`
}

type KickStart struct {
	RoomId       int `json:"room_id"`
	TargetUserId int `json:"target_user_id"`
}

type Ballot struct {
	VoteId  int  `json:"vote_id"`
	Approve bool `json:"approve"`
}

// Sync requests the messages a client missed after a reconnect.
type Sync struct {
	RoomId        int `json:"room_id"`
	LastMessageId int `json:"last_message_id"`
}

// ServerMessage is the outbound envelope. Response and Sync go to a single
// client; Message and Vote are room broadcasts.
type ServerMessage struct {
	BaseMessage
	Response   *Response          `json:"response,omitempty"`
	Message    *types.ChatMessage `json:"message,omitempty"`
	Vote       *types.VoteState   `json:"vote,omitempty"`
	Sync       *SyncResult        `json:"sync,omitempty"`
	SkipClient *Client            `json:"-"`
}

type SyncResult struct {
	RoomId   int                 `json:"room_id"`
	Messages []types.ChatMessage `json:"messages"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func newResponse(id, code int, errText string, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errText,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return newResponse(id, http.StatusAccepted, "", nil)
}

func ErrBadRequest(id int, errText string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, errText, nil)
}

func ErrForbidden(id int, errText string) *ServerMessage {
	return newResponse(id, http.StatusForbidden, errText, nil)
}

func ErrNotFound(id int, errText string) *ServerMessage {
	return newResponse(id, http.StatusNotFound, errText, nil)
}

func ErrConflict(id int, errText string) *ServerMessage {
	return newResponse(id, http.StatusConflict, errText, nil)
}

func ErrGone(id int, errText string) *ServerMessage {
	return newResponse(id, http.StatusGone, errText, nil)
}

// ErrTooManyRequests carries the remaining cooldown so clients can show a
// countdown instead of retrying blindly.
func ErrTooManyRequests(id int, retryAfter time.Duration) *ServerMessage {
	return newResponse(id, http.StatusTooManyRequests, "rate limited", map[string]any{
		"retry_after_ms": retryAfter.Milliseconds(),
	})
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := newResponse(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
