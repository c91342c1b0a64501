package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionItemPublished    = "item.published"
	ActionItemStarted      = "item.started"
	ActionItemCompleted    = "item.completed"
	ActionItemRejected     = "item.rejected"
	ActionItemRetrying     = "item.retrying"
	ActionItemDeadLettered = "item.dead_lettered"
	ActionItemRecovered    = "item.recovered"
	ActionAlertRaised      = "alert.raised"
)

// Audit event categories group related actions.
const (
	CategoryItem  = "fiscal.item"
	CategoryAlert = "fiscal.alert"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceItem  = "work_item"
	ResourceAlert = "dead_letter_alert"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionItemPublished,
		ActionItemStarted,
		ActionItemCompleted,
		ActionItemRejected,
		ActionItemRetrying,
		ActionItemDeadLettered,
		ActionItemRecovered,
		ActionAlertRaised,
	}
}
