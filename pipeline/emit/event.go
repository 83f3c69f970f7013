// Package emit provides observability event emission for pipeline execution.
package emit

// Event is an observability event emitted while a session moves through the
// workflow graph: node start/end, routing decisions, errors.
type Event struct {
	SessionID string
	Step      int
	NodeID    string
	Msg       string
	Meta      map[string]interface{}
}
