package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nkkko/informer/internal/domain"
)

// SubscriberStore keeps the subscribers of one channel
type SubscriberStore struct {
	s       *Storage
	channel string
}

func (st *SubscriberStore) load(ctx context.Context, q querier, address string) (*domain.NotificationSubscriber, error) {
	var limit int
	err := q.QueryRowContext(ctx,
		`SELECT subscriptions_limit FROM notification_subscribers WHERE channel = ? AND address = ?`,
		st.channel, address).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sub := domain.NewSubscriber(address, limit)
	rows, err := q.QueryContext(ctx,
		`SELECT subscription_id FROM subscriber_subscriptions WHERE channel = ? AND address = ? ORDER BY rowid`,
		st.channel, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sub.Subscriptions = append(sub.Subscriptions, id)
	}
	return sub, rows.Err()
}

// AddSubscription adds id to the address, creating the subscriber if needed
func (st *SubscriberStore) AddSubscription(ctx context.Context, address, id string) (*domain.NotificationSubscriber, error) {
	var result *domain.NotificationSubscriber
	err := st.s.tx(ctx, "add_subscription", func(q querier) error {
		sub, err := st.load(ctx, q, address)
		if err != nil {
			return err
		}
		if sub == nil {
			sub = domain.NewSubscriber(address, st.s.config.DefaultSubscriptionsLimit)
			if _, err := q.ExecContext(ctx,
				`INSERT INTO notification_subscribers (channel, address, subscriptions_limit) VALUES (?, ?, ?)`,
				st.channel, address, sub.SubscriptionsLimit); err != nil {
				return err
			}
		}
		if err := sub.Add(id); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO subscriber_subscriptions (channel, address, subscription_id) VALUES (?, ?, ?)`,
			st.channel, address, id); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveSubscription removes id from the address
func (st *SubscriberStore) RemoveSubscription(ctx context.Context, address, id string) (*domain.NotificationSubscriber, error) {
	var result *domain.NotificationSubscriber
	err := st.s.tx(ctx, "remove_subscription", func(q querier) error {
		sub, err := st.load(ctx, q, address)
		if err != nil {
			return err
		}
		if sub == nil {
			sub = domain.NewSubscriber(address, st.s.config.DefaultSubscriptionsLimit)
		}
		if err := sub.Remove(id); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM subscriber_subscriptions WHERE channel = ? AND address = ? AND subscription_id = ?`,
			st.channel, address, id); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveSubscriber deletes the subscriber and its subscriptions
func (st *SubscriberStore) RemoveSubscriber(ctx context.Context, address string) error {
	return st.s.tx(ctx, "remove_subscriber", func(q querier) error {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM subscriber_subscriptions WHERE channel = ? AND address = ?`, st.channel, address); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx,
			`DELETE FROM notification_subscribers WHERE channel = ? AND address = ?`, st.channel, address)
		return err
	})
}

// CheckSubscriptionsLimit reports whether address may take another subscription
func (st *SubscriberStore) CheckSubscriptionsLimit(ctx context.Context, address string) error {
	sub, err := st.GetSubscriber(ctx, address)
	if err != nil || sub == nil {
		return err
	}
	return sub.CheckLimit()
}

// GetSubscriber returns the subscriber or nil
func (st *SubscriberStore) GetSubscriber(ctx context.Context, address string) (*domain.NotificationSubscriber, error) {
	var result *domain.NotificationSubscriber
	err := st.s.read(ctx, "get_subscriber", func(q querier) error {
		var err error
		result, err = st.load(ctx, q, address)
		return err
	})
	return result, err
}

func (st *SubscriberStore) listStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	var out []string
	err := st.s.read(ctx, op, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

// ListAddresses returns every address subscribed to id
func (st *SubscriberStore) ListAddresses(ctx context.Context, id string) ([]string, error) {
	return st.listStrings(ctx, "list_addresses",
		`SELECT address FROM subscriber_subscriptions WHERE channel = ? AND subscription_id = ? ORDER BY address`,
		st.channel, id)
}

// ListSubscriptions returns the ids held by address
func (st *SubscriberStore) ListSubscriptions(ctx context.Context, address string) ([]string, error) {
	return st.listStrings(ctx, "list_subscriptions",
		`SELECT subscription_id FROM subscriber_subscriptions WHERE channel = ? AND address = ? ORDER BY rowid`,
		st.channel, address)
}

// ListSubscribers returns every known address
func (st *SubscriberStore) ListSubscribers(ctx context.Context) ([]string, error) {
	return st.listStrings(ctx, "list_subscribers",
		`SELECT address FROM notification_subscribers WHERE channel = ? ORDER BY address`, st.channel)
}

// RemoveSubscriptionEverywhere strips id from all subscribers of the channel
func (st *SubscriberStore) RemoveSubscriptionEverywhere(ctx context.Context, id string) ([]string, error) {
	var affected []string
	err := st.s.tx(ctx, "remove_subscription_everywhere", func(q querier) error {
		affected = nil
		rows, err := q.QueryContext(ctx,
			`SELECT address FROM subscriber_subscriptions WHERE channel = ? AND subscription_id = ? ORDER BY address`,
			st.channel, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var address string
			if err := rows.Scan(&address); err != nil {
				rows.Close()
				return err
			}
			affected = append(affected, address)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = q.ExecContext(ctx,
			`DELETE FROM subscriber_subscriptions WHERE channel = ? AND subscription_id = ?`, st.channel, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// Clear drops every subscriber of the channel
func (st *SubscriberStore) Clear(ctx context.Context) error {
	return st.s.tx(ctx, "clear_subscribers", func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM subscriber_subscriptions WHERE channel = ?`, st.channel); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `DELETE FROM notification_subscribers WHERE channel = ?`, st.channel)
		return err
	})
}
