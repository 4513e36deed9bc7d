package db

import "time"

type CommandEntry struct {
	ID           int64      `json:"id"`
	CommandID    string     `json:"command_id"`
	Action       string     `json:"action"`
	EntityType   string     `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	State        string     `json:"state"`
	Error        string     `json:"error,omitempty"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
}

type AuditLog struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	DetailsJSON string    `json:"details_json"`
	IPAddress   string    `json:"ip_address"`
	CreatedAt   time.Time `json:"created_at"`
}

type CommandFilter struct {
	Action     string
	EntityType string
	EntityID   string
	State      string
}

type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
}
