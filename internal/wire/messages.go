package wire

// Outbound payloads (client -> relay).

type JoinRequest struct {
	Identity string `json:"identity" validate:"required"`
	Room     string `json:"room" validate:"required,roomname"`
	// wall clock ms at send; echoed back in the connected reply so the
	// join round trip doubles as the first latency sample
	Stamp int64 `json:"stamp"`
}

type ChatRequest struct {
	Identity string `json:"identity" validate:"required"`
	Room     string `json:"room" validate:"required,roomname"`
	Text     string `json:"text" validate:"required,max=500"`
}

type StartRequest struct {
	Room string `json:"room" validate:"required,roomname"`
}

type PauseRequest struct {
	Room string `json:"room" validate:"required,roomname"`
}

type SetRequest struct {
	Room string  `json:"room" validate:"required,roomname"`
	Time float64 `json:"time"`
}

// SampleRequest asks the relay for the authoritative clock. Stamp is the
// local wall clock in ms, echoed verbatim in the reply.
type SampleRequest struct {
	Room  string `json:"room" validate:"required,roomname"`
	Stamp int64  `json:"stamp" validate:"required"`
}

// Inbound payloads (relay -> client).

// ConnectedReply acknowledges a join with the room's current authority.
// Identity is the member who last acted on the room clock.
type ConnectedReply struct {
	Identity string  `json:"identity"`
	State    bool    `json:"state"`
	Time     float64 `json:"time"`
	Stamp    int64   `json:"stamp" validate:"required"`
}

// StartNotice and PauseNotice announce another member's play/pause.
type StartNotice struct {
	Identity string  `json:"identity" validate:"required"`
	Time     float64 `json:"time"`
}

type PauseNotice struct {
	Identity string  `json:"identity" validate:"required"`
	Time     float64 `json:"time"`
}

// ResetNotice announces a discontinuous jump of the room clock.
type ResetNotice struct {
	Identity string  `json:"identity" validate:"required"`
	Time     float64 `json:"time"`
}

// SampleReply answers a SampleRequest. Time/State are the authoritative
// position and running flag at the moment the relay handled the request.
type SampleReply struct {
	Stamp int64   `json:"stamp" validate:"required"`
	Time  float64 `json:"time"`
	State bool    `json:"state"`
}

type MemberNotice struct {
	Identity string `json:"identity" validate:"required"`
}

type ChatMessage struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Text     string `json:"text"`
	At       int64  `json:"at"`
}

type ChatNotice struct {
	Message ChatMessage `json:"message"`
}
