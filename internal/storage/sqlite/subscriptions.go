package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nkkko/informer/internal/domain"
)

const selectSubscription = `SELECT id, observer, event_type, input_condition, internal_condition, state
	FROM notification_subscriptions `

// SubscriptionStore keeps canonical records in notification_subscriptions
type SubscriptionStore struct {
	s *Storage
}

func scanSubscription(row interface{ Scan(...any) error }) (*domain.NotificationSubscription, error) {
	var sub domain.NotificationSubscription
	var state string
	err := row.Scan(&sub.ID, &sub.Observer, &sub.EventType, &sub.InputCondition, &sub.InternalCondition, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.State, err = decodeState(state); err != nil {
		return nil, err
	}
	return &sub, nil
}

func insertSubscription(ctx context.Context, q querier, sub *domain.NotificationSubscription, onConflictIgnore bool) (bool, error) {
	state, err := encodeState(sub.State)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO notification_subscriptions
		(id, observer, event_type, input_condition, internal_condition, state)
		VALUES (?, ?, ?, ?, ?, ?)`
	if onConflictIgnore {
		query += ` ON CONFLICT DO NOTHING`
	}

	res, err := q.ExecContext(ctx, query,
		sub.ID, sub.Observer, sub.EventType, sub.InputCondition, sub.InternalCondition, state)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Create inserts a new record
func (st *SubscriptionStore) Create(ctx context.Context, sub *domain.NotificationSubscription) error {
	if sub.ID == "" {
		return domain.ValidationError("missing_id", "subscription id is required")
	}

	return st.s.tx(ctx, "create_subscription", func(q querier) error {
		_, err := insertSubscription(ctx, q, sub, false)
		if isUniqueViolation(err) {
			return domain.ConflictError("duplicate_condition", "subscription for "+sub.Key().String()+" already exists")
		}
		return err
	})
}

// CreateIfAbsent inserts sub unless an equivalent record exists
func (st *SubscriptionStore) CreateIfAbsent(ctx context.Context, sub *domain.NotificationSubscription) (*domain.NotificationSubscription, bool, error) {
	if sub.ID == "" {
		return nil, false, domain.ValidationError("missing_id", "subscription id is required")
	}

	var result *domain.NotificationSubscription
	var created bool

	err := st.s.tx(ctx, "create_subscription_if_absent", func(q querier) error {
		existing, err := scanSubscription(q.QueryRowContext(ctx,
			selectSubscription+`WHERE observer = ? AND event_type = ? AND input_condition = ?`,
			sub.Observer, sub.EventType, sub.InputCondition))
		if err != nil {
			return err
		}
		if existing == nil && sub.InternalCondition != "" {
			existing, err = scanSubscription(q.QueryRowContext(ctx,
				selectSubscription+`WHERE observer = ? AND event_type = ? AND internal_condition = ?`,
				sub.Observer, sub.EventType, sub.InternalCondition))
			if err != nil {
				return err
			}
		}
		if existing != nil {
			result = existing
			return nil
		}

		if created, err = insertSubscription(ctx, q, sub, true); err != nil {
			return err
		}
		if created {
			result = sub.Clone()
			return nil
		}

		// lost to a concurrent insert on the same id
		result, err = scanSubscription(q.QueryRowContext(ctx, selectSubscription+`WHERE id = ?`, sub.ID))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// FindByID looks a record up by id
func (st *SubscriptionStore) FindByID(ctx context.Context, id string) (*domain.NotificationSubscription, error) {
	var result *domain.NotificationSubscription
	err := st.s.read(ctx, "find_subscription", func(q querier) error {
		var err error
		result, err = scanSubscription(q.QueryRowContext(ctx, selectSubscription+`WHERE id = ?`, id))
		return err
	})
	return result, err
}

// FindWithInputCondition looks a record up by its user-facing condition
func (st *SubscriptionStore) FindWithInputCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	var result *domain.NotificationSubscription
	err := st.s.read(ctx, "find_subscription_input", func(q querier) error {
		var err error
		result, err = scanSubscription(q.QueryRowContext(ctx,
			selectSubscription+`WHERE observer = ? AND event_type = ? AND input_condition = ?`,
			observer, eventType, condition))
		return err
	})
	return result, err
}

// FindWithInternalCondition looks a record up by its platform condition
func (st *SubscriptionStore) FindWithInternalCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	var result *domain.NotificationSubscription
	err := st.s.read(ctx, "find_subscription_internal", func(q querier) error {
		var err error
		result, err = scanSubscription(q.QueryRowContext(ctx,
			selectSubscription+`WHERE observer = ? AND event_type = ? AND internal_condition = ?`,
			observer, eventType, condition))
		return err
	})
	return result, err
}

// UpdateInputCondition renames a record
func (st *SubscriptionStore) UpdateInputCondition(ctx context.Context, id, condition string) error {
	return st.s.tx(ctx, "update_input_condition", func(q querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE notification_subscriptions SET input_condition = ? WHERE id = ?`, condition, id)
		if isUniqueViolation(err) {
			return domain.ConflictError("duplicate_condition", "subscription for "+condition+" already exists")
		}
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

// UpdateState replaces the continuation state of a record
func (st *SubscriptionStore) UpdateState(ctx context.Context, id string, state map[string]string) error {
	encoded, err := encodeState(state)
	if err != nil {
		return domain.StoreError("update_state", err)
	}
	return st.s.tx(ctx, "update_state", func(q querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE notification_subscriptions SET state = ? WHERE id = ?`, encoded, id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFoundError("subscription_not_found", "subscription "+id+" not found")
	}
	return nil
}

// Remove deletes a record
func (st *SubscriptionStore) Remove(ctx context.Context, id string) error {
	return st.s.tx(ctx, "remove_subscription", func(q querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM notification_subscriptions WHERE id = ?`, id)
		return err
	})
}

// ListAll returns every record ordered by id
func (st *SubscriptionStore) ListAll(ctx context.Context) ([]*domain.NotificationSubscription, error) {
	var out []*domain.NotificationSubscription
	err := st.s.read(ctx, "list_subscriptions", func(q querier) error {
		rows, err := q.QueryContext(ctx, selectSubscription+`ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			sub, err := scanSubscription(rows)
			if err != nil {
				return err
			}
			out = append(out, sub)
		}
		return rows.Err()
	})
	return out, err
}

// Clear drops every record
func (st *SubscriptionStore) Clear(ctx context.Context) error {
	return st.s.tx(ctx, "clear_subscriptions", func(q querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM notification_subscriptions`)
		return err
	})
}
