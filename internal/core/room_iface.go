package core

import (
	"errors"

	"github.com/dkeye/voicecall/internal/domain"
)

var ErrRoomFull = errors.New("room full")

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	Members() []SessionID

	AddMember(ms MemberSession) error
	RemoveMember(sid SessionID)
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"client_count"`
	Capacity    int           `json:"capacity"`
}

type RoomManager interface {
	// AddMember puts ms in room id, creating the room if needed. It is atomic
	// with StopRoom, so a member never lands in a dropped room.
	AddMember(id domain.RoomID, ms MemberSession) (RoomService, error)
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	// StopRoom drops the room if it has no members left.
	StopRoom(id domain.RoomID)
}
