package postgresql

// migrations returns the versioned schema for the campaign engine.
func migrations() map[int]string {
	return map[int]string{
		1: `
		CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			graph JSONB NOT NULL,
			subjects JSONB NOT NULL DEFAULT '[]',
			scheduled_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_campaigns_due
			ON campaigns (status, scheduled_at);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			subject_context JSONB NOT NULL DEFAULT '{}',
			current_node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			last_processed_at TIMESTAMP WITH TIME ZONE NOT NULL,
			completed_at TIMESTAMP WITH TIME ZONE,
			last_error TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_runs_campaign ON runs (campaign_id);
		CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs (campaign_id, subject_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status_completed
			ON runs (status, completed_at);

		CREATE TABLE IF NOT EXISTS subject_events (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			data JSONB,
			occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_subject_events_lookup
			ON subject_events (subject_id, campaign_id, occurred_at);

		CREATE TABLE IF NOT EXISTS deferred_tasks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			await_node_id TEXT NOT NULL,
			resume_node_id TEXT NOT NULL,
			graph JSONB NOT NULL,
			execute_at TIMESTAMP WITH TIME ZONE NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_deferred_tasks_due
			ON deferred_tasks (execute_at);

		CREATE TABLE IF NOT EXISTS failed_tasks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			resume_node_id TEXT NOT NULL DEFAULT '',
			final_error TEXT NOT NULL,
			failed_at TIMESTAMP WITH TIME ZONE NOT NULL,
			total_retries INTEGER NOT NULL DEFAULT 0
		);
		`,
	}
}
