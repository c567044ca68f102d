package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// sqlJournal implements data.Journal over database/sql. Queries are written with '?'
// placeholders and rebound for drivers that number them.
type sqlJournal struct {
	db       *sql.DB
	numbered bool
}

func (s *sqlJournal) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveTrade implements data.Journal
func (s *sqlJournal) SaveTrade(ctx context.Context, trade *models.TradeRecord) error {
	query := `
        INSERT INTO trades (
            id, strategy, position_id, action, token_in, token_out,
            amount_in, amount_out, price, tx_hash, reason, executed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		trade.ID,
		trade.Strategy,
		trade.PositionID,
		string(trade.Action),
		trade.TokenIn,
		trade.TokenOut,
		trade.AmountIn.String(),
		trade.AmountOut.String(),
		trade.Price.String(),
		trade.TxHash,
		trade.Reason,
		trade.ExecutedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// SaveEvent implements data.Journal
func (s *sqlJournal) SaveEvent(ctx context.Context, event *models.SecurityEvent) error {
	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
        INSERT INTO security_events (id, type, severity, message, metadata, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		event.ID,
		event.Type,
		string(event.Severity),
		event.Message,
		string(meta),
		event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// SaveMetrics implements data.Journal
func (s *sqlJournal) SaveMetrics(ctx context.Context, snapshot *models.MetricsSnapshot) error {
	query := `
        INSERT INTO portfolio_metrics (
            total_value, total_exposure, daily_pnl, max_drawdown,
            risk_score, open_positions, computed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		snapshot.TotalValue,
		snapshot.TotalExposure,
		snapshot.DailyPnL,
		snapshot.MaxDrawdown,
		snapshot.RiskScore,
		snapshot.OpenPositions,
		snapshot.ComputedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save metrics: %w", err)
	}
	return nil
}

// RecentEvents implements data.Journal
func (s *sqlJournal) RecentEvents(ctx context.Context, limit int) ([]models.SecurityEvent, error) {
	query := `
        SELECT id, type, severity, message, metadata, created_at
        FROM security_events
        ORDER BY created_at DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []models.SecurityEvent
	for rows.Next() {
		var (
			e        models.SecurityEvent
			severity string
			meta     string
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &severity, &e.Message, &meta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Severity = models.Severity(severity)
		e.Timestamp = time.UnixMilli(created)
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return result, nil
}

// RecentTrades implements data.Journal
func (s *sqlJournal) RecentTrades(ctx context.Context, strategy string, limit int) ([]models.TradeRecord, error) {
	query := `
        SELECT id, strategy, position_id, action, token_in, token_out,
               amount_in, amount_out, price, tx_hash, reason, executed_at
        FROM trades
        WHERE (? = '' OR strategy = ?)
        ORDER BY executed_at DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, s.rebind(query), strategy, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var result []models.TradeRecord
	for rows.Next() {
		var (
			t        models.TradeRecord
			action   string
			executed int64
		)
		err := rows.Scan(
			&t.ID,
			&t.Strategy,
			&t.PositionID,
			&action,
			&t.TokenIn,
			&t.TokenOut,
			&t.AmountIn,
			&t.AmountOut,
			&t.Price,
			&t.TxHash,
			&t.Reason,
			&executed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Action = models.TradeAction(action)
		t.ExecutedAt = time.UnixMilli(executed)
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return result, nil
}

func (s *sqlJournal) Close() error {
	return s.db.Close()
}

func (s *sqlJournal) initTables(amountType string) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id VARCHAR(64) PRIMARY KEY,
			strategy VARCHAR(64) NOT NULL,
			position_id VARCHAR(64) NOT NULL,
			action VARCHAR(16) NOT NULL,
			token_in VARCHAR(32) NOT NULL,
			token_out VARCHAR(32) NOT NULL,
			amount_in ` + amountType + ` NOT NULL,
			amount_out ` + amountType + ` NOT NULL,
			price ` + amountType + ` NOT NULL,
			tx_hash VARCHAR(128),
			reason TEXT,
			executed_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy, executed_at)`,

		`CREATE TABLE IF NOT EXISTS security_events (
			id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT,
			created_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_created ON security_events(created_at)`,

		`CREATE TABLE IF NOT EXISTS portfolio_metrics (
			total_value DOUBLE PRECISION,
			total_exposure DOUBLE PRECISION,
			daily_pnl DOUBLE PRECISION,
			max_drawdown DOUBLE PRECISION,
			risk_score DOUBLE PRECISION,
			open_positions INT,
			computed_at BIGINT NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}
