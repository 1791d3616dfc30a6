package txstore

// schemaStatements — идемпотентные DDL-миграции. Порядок важен: таблицы
// создаются до индексов, transactions — до задач (внешний ключ).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id                 TEXT PRIMARY KEY,
		created_at         TEXT NOT NULL,
		raw_message        TEXT NOT NULL,
		source_type        TEXT NOT NULL DEFAULT 'AUTO'
			CHECK (source_type IN ('AUTO', 'MANUAL')),
		source_chat_id     INTEGER,
		source_message_id  INTEGER,
		transaction_date   TEXT NOT NULL,
		amount             TEXT NOT NULL,
		currency           TEXT NOT NULL DEFAULT 'UZS',
		card_last4         TEXT NOT NULL DEFAULT '',
		operator_raw       TEXT NOT NULL DEFAULT '',
		application_mapped TEXT NOT NULL DEFAULT '',
		transaction_type   TEXT NOT NULL DEFAULT 'UNKNOWN'
			CHECK (transaction_type IN ('DEBIT', 'CREDIT', 'CONVERSION', 'REVERSAL', 'UNKNOWN')),
		balance_after      TEXT,
		receiver_name      TEXT NOT NULL DEFAULT '',
		receiver_card      TEXT NOT NULL DEFAULT '',
		parsing_method     TEXT NOT NULL
			CHECK (parsing_method IN ('REGEX_HUMO', 'REGEX_SMS', 'REGEX_SEMICOLON',
				'REGEX_CARDXABAR', 'GPT', 'GPT_VISION', 'MANUAL')),
		parsing_confidence REAL NOT NULL DEFAULT 0
			CHECK (parsing_confidence >= 0 AND parsing_confidence <= 1),
		is_gpt_parsed      INTEGER NOT NULL DEFAULT 0,
		is_p2p             INTEGER NOT NULL DEFAULT 0,
		fingerprint        TEXT NOT NULL UNIQUE,
		UNIQUE (source_chat_id, source_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_created_at
		ON transactions (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_date
		ON transactions (transaction_date)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_application
		ON transactions (application_mapped)`,

	`CREATE TABLE IF NOT EXISTS receipt_processing_tasks (
		task_id        TEXT PRIMARY KEY,
		chat_id        INTEGER NOT NULL,
		message_id     INTEGER NOT NULL,
		status         TEXT NOT NULL DEFAULT 'queued'
			CHECK (status IN ('queued', 'processing', 'done', 'failed')),
		transaction_id TEXT REFERENCES transactions (id) ON DELETE SET NULL,
		error          TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		UNIQUE (chat_id, message_id)
	)`,

	`CREATE TABLE IF NOT EXISTS monitored_bot_chats (
		chat_id                   INTEGER PRIMARY KEY,
		enabled                   INTEGER NOT NULL DEFAULT 1,
		last_processed_message_id INTEGER NOT NULL DEFAULT 0,
		chat_type                 TEXT NOT NULL DEFAULT '',
		filter_mode               TEXT NOT NULL DEFAULT 'all'
			CHECK (filter_mode IN ('all', 'whitelist', 'blacklist')),
		filter_keywords           TEXT NOT NULL DEFAULT '',
		chat_title                TEXT NOT NULL DEFAULT '',
		last_error                TEXT NOT NULL DEFAULT '',
		updated_at                TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS operator_reference (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		operator_name    TEXT NOT NULL,
		application_name TEXT NOT NULL,
		is_p2p           INTEGER NOT NULL DEFAULT 0,
		is_active        INTEGER NOT NULL DEFAULT 1,
		UNIQUE (operator_name, application_name)
	)`,

	`CREATE TABLE IF NOT EXISTS hidden_bot_chats (
		chat_id   INTEGER PRIMARY KEY,
		hidden_at TEXT NOT NULL
	)`,
}
