package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/papertrader/pkg/id"
	"github.com/rustyeddy/papertrader/risk"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so the
// same query code serves both autocommit reads and transactional work.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

// SQLiteStore implements Store over mattn/go-sqlite3.
type SQLiteStore struct {
	queries
	db *sql.DB
}

type sqliteTx struct {
	queries
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Tx    = (*sqliteTx)(nil)
)

// NewSQLite opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for tests.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_fk=on")
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer anyway, and a :memory: database exists
	// per connection; one pooled connection avoids both surprises.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{queries: queries{db: db}, db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Transact runs fn inside one transaction. Any error rolls the whole
// transaction back; the ledger never partially applies.
func (s *SQLiteStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(&sqliteTx{queries: queries{db: tx}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListBalanceLogs(ctx context.Context, subAccountID string) ([]BalanceLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sub_account_id, balance_before, balance_after, change_amount, reason, trade_id, time
		FROM balance_logs WHERE sub_account_id = ? ORDER BY id`, subAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []BalanceLog
	for rows.Next() {
		var l BalanceLog
		if err := rows.Scan(&l.ID, &l.SubAccountID, &l.BalanceBefore, &l.BalanceAfter,
			&l.ChangeAmount, &l.Reason, &l.TradeID, &l.Time); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ---- reads (Store and Tx) ----

func (q queries) GetSubAccount(ctx context.Context, acctID string) (SubAccount, error) {
	var a SubAccount
	err := q.db.QueryRowContext(ctx, `
		SELECT id, balance, maintenance_rate, liquidation_mode, status
		FROM sub_accounts WHERE id = ?`, acctID).
		Scan(&a.ID, &a.Balance, &a.MaintenanceRate, &a.LiquidationMode, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return SubAccount{}, fmt.Errorf("%w: %q", ErrAccountNotFound, acctID)
	}
	return a, err
}

const positionColumns = `id, sub_account_id, symbol, side, entry_price, quantity,
	notional, leverage, margin, liquidation_price, status, babysitter_excluded,
	open_time, close_time`

func scanPosition(scan func(...any) error) (VirtualPosition, error) {
	var p VirtualPosition
	var closeTime sql.NullTime
	err := scan(&p.ID, &p.SubAccountID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity,
		&p.Notional, &p.Leverage, &p.Margin, &p.LiquidationPrice, &p.Status,
		&p.BabysitterExcluded, &p.OpenTime, &closeTime)
	if closeTime.Valid {
		p.CloseTime = closeTime.Time
	}
	return p, err
}

func (q queries) GetPosition(ctx context.Context, positionID string) (VirtualPosition, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, positionID)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return VirtualPosition{}, fmt.Errorf("%w: %q", ErrPositionNotFound, positionID)
	}
	return p, err
}

func (q queries) listPositions(ctx context.Context, where string, args ...any) ([]VirtualPosition, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ps []VirtualPosition
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

func (q queries) ListOpenPositionsByAccount(ctx context.Context, subAccountID string) ([]VirtualPosition, error) {
	return q.listPositions(ctx, `status = 'OPEN' AND sub_account_id = ?`, subAccountID)
}

func (q queries) ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]VirtualPosition, error) {
	return q.listPositions(ctx, `status = 'OPEN' AND symbol = ?`, symbol)
}

func (q queries) OpenPositionsGrouped(ctx context.Context) (map[string][]VirtualPosition, error) {
	all, err := q.listPositions(ctx, `status = 'OPEN'`)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]VirtualPosition)
	for _, p := range all {
		grouped[p.SubAccountID] = append(grouped[p.SubAccountID], p)
	}
	return grouped, nil
}

func (q queries) RuleFor(ctx context.Context, subAccountID string) (risk.Rule, error) {
	for _, key := range []string{subAccountID, GlobalRuleID} {
		var r risk.Rule
		err := q.db.QueryRowContext(ctx, `
			SELECT max_leverage, max_notional_per_trade, max_total_exposure, liquidation_threshold
			FROM risk_rules WHERE sub_account_id = ?`, key).
			Scan(&r.MaxLeverage, &r.MaxNotionalPerTrade, &r.MaxTotalExposure, &r.LiquidationThreshold)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return risk.Rule{}, err
		}
	}
	return risk.DefaultRule(), nil
}

// ---- writes (Tx only) ----

func (q queries) InsertSubAccount(ctx context.Context, a SubAccount) error {
	if a.MaintenanceRate == 0 {
		a.MaintenanceRate = 0.005
	}
	if a.LiquidationMode == "" {
		a.LiquidationMode = ModeADL30
	}
	if a.Status == "" {
		a.Status = AccountActive
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sub_accounts (id, balance, maintenance_rate, liquidation_mode, status)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Balance, a.MaintenanceRate, a.LiquidationMode, a.Status)
	return err
}

func (q queries) SetAccountStatus(ctx context.Context, subAccountID string, status AccountStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sub_accounts SET status = ? WHERE id = ?`, status, subAccountID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrAccountNotFound, subAccountID)
}

func (q queries) ApplyBalanceChange(ctx context.Context, subAccountID string, delta float64, reason, tradeID string) (BalanceLog, error) {
	acct, err := q.GetSubAccount(ctx, subAccountID)
	if err != nil {
		return BalanceLog{}, err
	}

	log := BalanceLog{
		ID:            id.New(),
		SubAccountID:  subAccountID,
		BalanceBefore: acct.Balance,
		BalanceAfter:  acct.Balance + delta,
		ChangeAmount:  delta,
		Reason:        reason,
		TradeID:       tradeID,
		Time:          time.Now().UTC(),
	}

	if _, err := q.db.ExecContext(ctx,
		`UPDATE sub_accounts SET balance = ? WHERE id = ?`, log.BalanceAfter, subAccountID); err != nil {
		return BalanceLog{}, err
	}
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO balance_logs (id, sub_account_id, balance_before, balance_after, change_amount, reason, trade_id, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.SubAccountID, log.BalanceBefore, log.BalanceAfter,
		log.ChangeAmount, log.Reason, log.TradeID, log.Time); err != nil {
		return BalanceLog{}, err
	}
	return log, nil
}

func (q queries) InsertPosition(ctx context.Context, p VirtualPosition) error {
	var closeTime any
	if !p.CloseTime.IsZero() {
		closeTime = p.CloseTime
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SubAccountID, p.Symbol, p.Side, p.EntryPrice, p.Quantity,
		p.Notional, p.Leverage, p.Margin, p.LiquidationPrice, p.Status,
		p.BabysitterExcluded, p.OpenTime, closeTime)
	return err
}

func (q queries) ResizePosition(ctx context.Context, positionID string, quantity, notional, margin float64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE positions SET quantity = ?, notional = ?, margin = ?
		WHERE id = ? AND status = 'OPEN'`,
		quantity, notional, margin, positionID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrPositionNotFound, positionID)
}

func (q queries) TerminalizePosition(ctx context.Context, positionID string, status PositionStatus, closeTime time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE positions SET status = ?, close_time = ?
		WHERE id = ? AND status = 'OPEN'`,
		status, closeTime, positionID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrPositionNotFound, positionID)
}

func (q queries) SetLiquidationPrice(ctx context.Context, positionID string, price float64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE positions SET liquidation_price = ? WHERE id = ? AND status = 'OPEN'`,
		price, positionID)
	return err
}

func (q queries) InsertTradeExecution(ctx context.Context, e TradeExecution) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trade_executions (id, sub_account_id, position_id, symbol, side, price, quantity, action, signature, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubAccountID, e.PositionID, e.Symbol, e.Side, e.Price, e.Quantity,
		e.Action, e.Signature, e.Time)
	return err
}

func (q queries) RecordEquity(ctx context.Context, e EquityLog) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO equity_logs (sub_account_id, time, balance, equity, margin_used, margin_ratio)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SubAccountID, e.Time, e.Balance, e.Equity, e.MarginUsed, e.MarginRatio)
	return err
}

func (q queries) UpsertRule(ctx context.Context, subAccountID string, r risk.Rule) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO risk_rules (sub_account_id, max_leverage, max_notional_per_trade, max_total_exposure, liquidation_threshold)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sub_account_id) DO UPDATE SET
			max_leverage = excluded.max_leverage,
			max_notional_per_trade = excluded.max_notional_per_trade,
			max_total_exposure = excluded.max_total_exposure,
			liquidation_threshold = excluded.liquidation_threshold`,
		subAccountID, r.MaxLeverage, r.MaxNotionalPerTrade, r.MaxTotalExposure, r.LiquidationThreshold)
	return err
}

func requireRow(res sql.Result, sentinel error, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", sentinel, key)
	}
	return nil
}
