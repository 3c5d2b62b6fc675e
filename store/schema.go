package store

const Schema = `
CREATE TABLE IF NOT EXISTS sub_accounts (
	id TEXT PRIMARY KEY,
	balance REAL NOT NULL,
	maintenance_rate REAL NOT NULL DEFAULT 0.005,
	liquidation_mode TEXT NOT NULL DEFAULT 'ADL_30',
	status TEXT NOT NULL DEFAULT 'ACTIVE'
);

CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	sub_account_id TEXT NOT NULL REFERENCES sub_accounts(id),
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price REAL NOT NULL,
	quantity REAL NOT NULL,
	notional REAL NOT NULL,
	leverage REAL NOT NULL,
	margin REAL NOT NULL,
	liquidation_price REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'OPEN',
	babysitter_excluded INTEGER NOT NULL DEFAULT 0,
	open_time DATETIME NOT NULL,
	close_time DATETIME
);

CREATE INDEX IF NOT EXISTS idx_positions_open
	ON positions(sub_account_id) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_symbol_open
	ON positions(symbol) WHERE status = 'OPEN';

CREATE TABLE IF NOT EXISTS risk_rules (
	sub_account_id TEXT PRIMARY KEY,
	max_leverage REAL NOT NULL,
	max_notional_per_trade REAL NOT NULL,
	max_total_exposure REAL NOT NULL,
	liquidation_threshold REAL NOT NULL DEFAULT 0.90
);

CREATE TABLE IF NOT EXISTS balance_logs (
	id TEXT PRIMARY KEY,
	sub_account_id TEXT NOT NULL REFERENCES sub_accounts(id),
	balance_before REAL NOT NULL,
	balance_after REAL NOT NULL,
	change_amount REAL NOT NULL,
	reason TEXT NOT NULL,
	trade_id TEXT NOT NULL DEFAULT '',
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_balance_logs_account ON balance_logs(sub_account_id);

CREATE TABLE IF NOT EXISTS trade_executions (
	id TEXT PRIMARY KEY,
	sub_account_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	price REAL NOT NULL,
	quantity REAL NOT NULL,
	action TEXT NOT NULL,
	signature TEXT NOT NULL,
	time DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_logs (
	sub_account_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	balance REAL NOT NULL,
	equity REAL NOT NULL,
	margin_used REAL NOT NULL,
	margin_ratio REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_equity_logs_account_time ON equity_logs(sub_account_id, time);
`

// GlobalRuleID is the risk_rules row that applies to accounts without a
// rule of their own.
const GlobalRuleID = "*"
