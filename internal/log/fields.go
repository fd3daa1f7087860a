package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldUserID      = "user_id"
	FieldAccountID   = "account_id"
	FieldTransaction = "transaction_id"
	FieldCategory    = "category"
	FieldPeriod      = "period"
	FieldPartition   = "partition"
	FieldVersion     = "version"
	FieldAttempts    = "attempts"
	FieldSpent       = "total_spent"
	FieldIncome      = "total_income"
	FieldLimit       = "limit_amount"
	FieldOldState    = "old_state"
	FieldNewState    = "new_state"
	FieldDrift       = "drift"
	FieldDuration    = "duration_ms"
	FieldCount       = "count"
)

// Components defines standard component names
const (
	ComponentEngine     = "engine"
	ComponentDispatcher = "dispatcher"
	ComponentStore      = "store"
	ComponentAMQP       = "amqp"
	ComponentEvaluator  = "evaluator"
	ComponentReconcile  = "reconcile"
	ComponentMetrics    = "metrics"
	ComponentConfig     = "config"
)

// Operations defines standard operation names
const (
	OpApply     = "apply"
	OpEvaluate  = "evaluate"
	OpPublish   = "publish"
	OpConsume   = "consume"
	OpReconcile = "reconcile"
	OpPrune     = "prune"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
)
