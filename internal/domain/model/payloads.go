package model

// ConnectedPayload is sent to the client when a subscription stream opens.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	NodeID        string `json:"node_id"`
	ServerVersion string `json:"server_version"`
}

// DisconnectedPayload is the final frame pushed before the server
// terminates a subscription stream.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}
