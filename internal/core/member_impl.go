package core

type memberSession struct {
	sid    SessionID
	signal SignalConnection
}

func NewMemberSession(sid SessionID, signal SignalConnection) MemberSession {
	return &memberSession{sid: sid, signal: signal}
}

func (m *memberSession) SID() SessionID           { return m.sid }
func (m *memberSession) Signal() SignalConnection { return m.signal }
