package hub

import "Voxlink/internal/model"

// MonitorService aggregates live runtime statistics for the monitor endpoint.
type MonitorService struct {
	hub   *Hub
	calls *Coordinator
}

func NewMonitorService(h *Hub, calls *Coordinator) *MonitorService {
	return &MonitorService{hub: h, calls: calls}
}

// GetStats snapshots registry, group and call state. Counts are taken shard
// by shard, so the totals are approximate under concurrent churn.
func (m *MonitorService) GetStats() model.MonitorResponse {
	users, sessions := m.hub.Registry().Counts()
	groups := m.hub.GroupCounts()
	activeCalls := m.calls.ActiveCalls()

	status := "idle"
	if sessions > 0 {
		status = "healthy"
	}

	return model.MonitorResponse{
		Status: status,
		Connections: model.ConnectionStats{
			OnlineUsers:   users,
			TotalSessions: sessions,
		},
		Groups: model.GroupStats{
			TotalGroups:  len(groups),
			GroupDetails: groups,
		},
		Calls: model.CallStats{
			ActiveCalls: len(activeCalls),
			CallDetails: activeCalls,
		},
	}
}
