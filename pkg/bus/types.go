package bus

// SystemEvent is a typed event flowing through the bus for observability and
// for the mcptool watch stream. Used for task lifecycle, lease lifecycle,
// and kanban provider health transitions.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "task.claimed", "lease.reclaimed"
	Source string      `json:"source"` // e.g. "scheduler", "leasemonitor", "kanban"
	Data   interface{} `json:"data"`
}
