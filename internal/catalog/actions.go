package catalog

// Actions carried in queue message bodies on the operations topic. The
// orchestrator produces them; the worker dispatches on them.
const (
	ActionPrepare    = "prepare"
	ActionSave       = "save"
	ActionPublish    = "publish"
	ActionDiscard    = "discard"
	ActionFail       = "fail"
	ActionVerifyData = "verify-data"
)

// DefaultOperationsTopic is the queue topic the orchestrator and the worker
// exchange action messages on unless configuration names another.
const DefaultOperationsTopic = "load-operations"

// AuditInitiatedBy is the audit context key naming what triggered a
// mutation, e.g. "save-request" or "publish-handler".
const AuditInitiatedBy = "initiated-by"
