package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/foodlink/marketplace-core/internal/db"
	"github.com/foodlink/marketplace-core/internal/models"
)

// LoadStrategies reads the given strategies with all of their steps.
// Unknown ids are absent from the result.
func (s *Store) LoadStrategies(ctx context.Context, q db.Querier, ids []int64) (map[int64]*models.PricingStrategy, error) {
	ids = SortedUniqueIDs(ids)
	strategies := make(map[int64]*models.PricingStrategy, len(ids))
	if len(ids) == 0 {
		return strategies, nil
	}

	rows, err := s.query(ctx, q, "pricing_strategies",
		fmt.Sprintf("SELECT id, name FROM pricing_strategies WHERE id IN (%s)", db.Placeholders(len(ids))),
		int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("loading pricing strategies: %w", err)
	}
	for rows.Next() {
		st := &models.PricingStrategy{StepsLoaded: true, Steps: []models.PricingStrategyStep{}}
		if err := rows.Scan(&st.ID, &st.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning pricing strategy: %w", err)
		}
		strategies[st.ID] = st
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading pricing strategies: %w", err)
	}

	rows, err = s.query(ctx, q, "pricing_strategy_steps",
		fmt.Sprintf(`SELECT strategy_id, time_remaining_seconds, discount_percent FROM pricing_strategy_steps
			WHERE strategy_id IN (%s) ORDER BY strategy_id, time_remaining_seconds DESC`, db.Placeholders(len(ids))),
		int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("loading pricing strategy steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step models.PricingStrategyStep
		if err := rows.Scan(&step.StrategyID, &step.TimeRemainingSeconds, &step.DiscountPercent); err != nil {
			return nil, fmt.Errorf("scanning pricing strategy step: %w", err)
		}
		if st, ok := strategies[step.StrategyID]; ok {
			st.Steps = append(st.Steps, step)
		}
	}
	return strategies, rows.Err()
}

// UpsertStrategy makes sure a strategy with name exists and carries the
// given steps. Running it again with the same input changes nothing.
func (s *Store) UpsertStrategy(ctx context.Context, q db.Querier, name string, steps []models.PricingStrategyStep) (int64, error) {
	var id int64
	err := s.queryRow(ctx, q, "pricing_strategies",
		"SELECT id FROM pricing_strategies WHERE name = ?", []any{name}, &id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		id, err = s.insertID(ctx, q, "pricing_strategies", "INSERT INTO pricing_strategies (name) VALUES (?)", name)
		if err != nil {
			return 0, fmt.Errorf("creating pricing strategy %q: %w", name, err)
		}
	case err != nil:
		return 0, fmt.Errorf("looking up pricing strategy %q: %w", name, err)
	}

	for _, step := range steps {
		res, err := s.exec(ctx, q, "UPDATE", "pricing_strategy_steps",
			`UPDATE pricing_strategy_steps SET discount_percent = ?
			 WHERE strategy_id = ? AND time_remaining_seconds = ?`,
			step.DiscountPercent, id, step.TimeRemainingSeconds)
		if err != nil {
			return 0, fmt.Errorf("updating step %ds of %q: %w", step.TimeRemainingSeconds, name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}

		// MySQL reports zero affected rows for an unchanged value, so a
		// duplicate here means the step is already in place
		_, err = s.exec(ctx, q, "INSERT", "pricing_strategy_steps",
			`INSERT INTO pricing_strategy_steps (strategy_id, time_remaining_seconds, discount_percent)
			 VALUES (?, ?, ?)`,
			id, step.TimeRemainingSeconds, step.DiscountPercent)
		if err != nil && !errors.Is(err, db.ErrDuplicate) {
			return 0, fmt.Errorf("inserting step %ds of %q: %w", step.TimeRemainingSeconds, name, err)
		}
	}
	return id, nil
}
