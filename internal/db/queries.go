package db

const (
	InsertCommand = `
		INSERT INTO command_log (command_id, action, entity_type, entity_id, state, error, dispatched_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			settled_at = excluded.settled_at
	`

	SelectCommands = `
		SELECT id, command_id, action, entity_type, entity_id, state, error, dispatched_at, settled_at
		FROM command_log
	`

	CountCommandsByState = `SELECT state, COUNT(*) FROM command_log GROUP BY state`
)

const (
	InsertAuditLog = `
		INSERT INTO audit_log (action, entity_type, entity_id, details_json, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	SelectAuditLogs = `
		SELECT id, action, entity_type, entity_id, details_json, ip_address, created_at
		FROM audit_log
	`
)
