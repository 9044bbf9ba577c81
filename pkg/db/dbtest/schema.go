package dbtest

// SQLite renditions of the goose migrations, for repository tests.
const (
	PaymentsDDL = `CREATE TABLE payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		payee_account_id TEXT,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_intent_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		transaction_id TEXT,
		installment_plan_id TEXT,
		installment_seq INTEGER,
		refunded_amount INTEGER NOT NULL DEFAULT 0 CHECK (refunded_amount <= amount),
		in_flight_op TEXT,
		failure_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME,
		completed_at DATETIME,
		UNIQUE (provider, provider_intent_id)
	)`

	PaymentsPlanSeqDDL = `CREATE UNIQUE INDEX idx_payments_plan_seq
		ON payments (installment_plan_id, installment_seq)
		WHERE installment_plan_id IS NOT NULL AND status <> 'failed' AND status <> 'cancelled'`

	PaymentSplitsDDL = `CREATE TABLE payment_splits (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		created_at DATETIME,
		UNIQUE (payment_id, recipient_id)
	)`

	EscrowsDDL = `CREATE TABLE escrows (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		provider TEXT NOT NULL,
		hold_until DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'held',
		released_at DATETIME,
		refunded_at DATETIME,
		dispute_reason TEXT,
		dispute_evidence BLOB,
		disputed_by TEXT,
		disputed_at DATETIME,
		resolution_winner TEXT,
		resolved_by TEXT,
		resolved_at DATETIME,
		release_attempts INTEGER NOT NULL DEFAULT 0,
		last_release_error TEXT,
		in_flight_op TEXT,
		in_flight_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`

	EscrowSettlementsDDL = `CREATE TABLE escrow_settlements (
		id TEXT PRIMARY KEY,
		escrow_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		transfer_ref TEXT,
		transferred_at DATETIME,
		created_at DATETIME,
		UNIQUE (escrow_id, recipient_id)
	)`

	RefundsDDL = `CREATE TABLE refunds (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		escrow_id TEXT,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_by TEXT NOT NULL,
		approved_by TEXT,
		rejection_reason TEXT,
		provider_refund_id TEXT,
		failure_reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME,
		completed_at DATETIME
	)`

	InstallmentPlansDDL = `CREATE TABLE installment_plans (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		payee_account_id TEXT,
		provider TEXT NOT NULL,
		currency TEXT NOT NULL,
		total_amount INTEGER NOT NULL,
		installments INTEGER NOT NULL,
		installment_amount INTEGER NOT NULL,
		paid_count INTEGER NOT NULL DEFAULT 0,
		interval_days INTEGER NOT NULL,
		next_due_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`

	ReconciliationEntriesDDL = `CREATE TABLE reconciliation_entries (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		canonical_event_type TEXT NOT NULL,
		outcome TEXT NOT NULL,
		resulting_payment_id TEXT,
		processed_at DATETIME NOT NULL,
		UNIQUE (provider, provider_event_id)
	)`

	OperatorQueueItemsDDL = `CREATE TABLE operator_queue_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		details BLOB,
		status TEXT NOT NULL DEFAULT 'open',
		resolved_by TEXT,
		resolution_note TEXT,
		created_at DATETIME,
		resolved_at DATETIME
	)`

	OutboxEventsDDL = `CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`

	OutboxDLQDDL = `CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`
)

// All returns every table and index, in dependency order.
func All() []string {
	return []string{
		InstallmentPlansDDL,
		PaymentsDDL,
		PaymentsPlanSeqDDL,
		PaymentSplitsDDL,
		EscrowsDDL,
		EscrowSettlementsDDL,
		RefundsDDL,
		ReconciliationEntriesDDL,
		OperatorQueueItemsDDL,
		OutboxEventsDDL,
		OutboxDLQDDL,
	}
}
