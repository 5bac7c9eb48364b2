package core

type SessionID string

// MemberSession binds a relay client id and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	SID() SessionID
	Signal() SignalConnection
}
