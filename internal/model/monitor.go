package model

// -----------------------------------------------------------------
// Monitor API Response Models
// -----------------------------------------------------------------

// MonitorResponse is the main response for the monitor API.
type MonitorResponse struct {
	Status      string          `json:"status"` // "healthy", "idle"
	Connections ConnectionStats `json:"connections"`
	Groups      GroupStats      `json:"groups"`
	Calls       CallStats       `json:"calls"`
}

// ConnectionStats holds registry statistics.
type ConnectionStats struct {
	OnlineUsers   int `json:"onlineUsers"`   // users with at least one live session
	TotalSessions int `json:"totalSessions"` // live transport sessions (multi-device)
}

// GroupStats holds conversation-group transport statistics.
type GroupStats struct {
	TotalGroups  int         `json:"totalGroups"`
	GroupDetails []GroupInfo `json:"groupDetails"`
}

// GroupInfo describes one joined conversation group.
type GroupInfo struct {
	ConversationID string `json:"conversationId"`
	Sessions       int    `json:"sessions"`
}

// CallStats holds active call statistics.
type CallStats struct {
	ActiveCalls int        `json:"activeCalls"`
	CallDetails []CallInfo `json:"callDetails"`
}

// CallInfo describes one active call.
type CallInfo struct {
	CallID         string   `json:"callId"`
	ConversationID string   `json:"conversationId"`
	InitiatorID    string   `json:"initiatorId"`
	CallType       string   `json:"callType"`
	Status         int      `json:"status"`
	RoomMembers    []string `json:"roomMembers"`
	StartedAt      string   `json:"startedAt"` // ISO timestamp
}
