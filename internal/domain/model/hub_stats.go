package model

// HubStats is a point-in-time view of the local session registry,
// exposed on the debug endpoint.
type HubStats struct {
	TotalAccounts    int    `json:"total_accounts"`
	TotalConnections int    `json:"total_connections"`
	DroppedEvents    uint64 `json:"dropped_events"`
}
