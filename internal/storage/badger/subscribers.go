package badger

import (
	"context"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/informer/internal/domain"
)

// SubscriberStore keeps the subscribers of one channel under sbr:<channel>
// with a sbx:<channel>:<id>:<address> reverse index for fan-out lookups
type SubscriberStore struct {
	s       *Storage
	channel string
}

func (st *SubscriberStore) subscriberKey(address string) []byte {
	return key(prefixSubscriber, st.channel, address)
}

func (st *SubscriberStore) reverseKey(id, address string) []byte {
	return key(prefixReverseIndex, st.channel, id, address)
}

func (st *SubscriberStore) reversePrefix(id string) []byte {
	return append(key(prefixReverseIndex, st.channel, id), sep...)
}

func (st *SubscriberStore) load(txn *badger.Txn, address string) (*domain.NotificationSubscriber, error) {
	var sub domain.NotificationSubscriber
	found, err := getJSON(txn, st.subscriberKey(address), &sub)
	if err != nil || !found {
		return nil, err
	}
	return &sub, nil
}

// AddSubscription adds id to the address, creating the subscriber if needed
func (st *SubscriberStore) AddSubscription(ctx context.Context, address, id string) (*domain.NotificationSubscriber, error) {
	var result *domain.NotificationSubscriber
	err := st.s.update("add_subscription", func(txn *badger.Txn) error {
		sub, err := st.load(txn, address)
		if err != nil {
			return err
		}
		if sub == nil {
			sub = domain.NewSubscriber(address, st.s.config.DefaultSubscriptionsLimit)
		}
		if err := sub.Add(id); err != nil {
			return err
		}
		if err := setJSON(txn, st.subscriberKey(address), sub); err != nil {
			return err
		}
		result = sub
		return txn.Set(st.reverseKey(id, address), nil)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveSubscription removes id from the address
func (st *SubscriberStore) RemoveSubscription(ctx context.Context, address, id string) (*domain.NotificationSubscriber, error) {
	var result *domain.NotificationSubscriber
	err := st.s.update("remove_subscription", func(txn *badger.Txn) error {
		sub, err := st.load(txn, address)
		if err != nil {
			return err
		}
		if sub == nil {
			sub = domain.NewSubscriber(address, st.s.config.DefaultSubscriptionsLimit)
		}
		if err := sub.Remove(id); err != nil {
			return err
		}
		if err := setJSON(txn, st.subscriberKey(address), sub); err != nil {
			return err
		}
		result = sub
		return txn.Delete(st.reverseKey(id, address))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveSubscriber deletes the subscriber record and its reverse index entries
func (st *SubscriberStore) RemoveSubscriber(ctx context.Context, address string) error {
	return st.s.update("remove_subscriber", func(txn *badger.Txn) error {
		sub, err := st.load(txn, address)
		if err != nil || sub == nil {
			return err
		}
		for _, id := range sub.Subscriptions {
			if err := txn.Delete(st.reverseKey(id, address)); err != nil {
				return err
			}
		}
		return txn.Delete(st.subscriberKey(address))
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
	err := st.s.view("get_subscriber", func(txn *badger.Txn) error {
		var err error
		result, err = st.load(txn, address)
		return err
	})
	return result, err
}

// ListAddresses returns every address subscribed to id
func (st *SubscriberStore) ListAddresses(ctx context.Context, id string) ([]string, error) {
	var out []string
	err := st.s.view("list_addresses", func(txn *badger.Txn) error {
		out = nil
		for _, k := range keysWithPrefix(txn, st.reversePrefix(id)) {
			out = append(out, lastPart(k))
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// ListSubscriptions returns the ids held by address
func (st *SubscriberStore) ListSubscriptions(ctx context.Context, address string) ([]string, error) {
	sub, err := st.GetSubscriber(ctx, address)
	if err != nil || sub == nil {
		return nil, err
	}
	return sub.Subscriptions, nil
}

// ListSubscribers returns every known address
func (st *SubscriberStore) ListSubscribers(ctx context.Context) ([]string, error) {
	var out []string
	err := st.s.view("list_subscribers", func(txn *badger.Txn) error {
		out = nil
		prefix := append(key(prefixSubscriber, st.channel), sep...)
		for _, k := range keysWithPrefix(txn, prefix) {
			out = append(out, lastPart(k))
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// RemoveSubscriptionEverywhere strips id from all subscribers of the channel
func (st *SubscriberStore) RemoveSubscriptionEverywhere(ctx context.Context, id string) ([]string, error) {
	var affected []string
	err := st.s.update("remove_subscription_everywhere", func(txn *badger.Txn) error {
		affected = nil
		for _, k := range keysWithPrefix(txn, st.reversePrefix(id)) {
			address := lastPart(k)
			sub, err := st.load(txn, address)
			if err != nil {
				return err
			}
			if sub != nil {
				sub.Subscriptions = sub.Without(id)
				if err := setJSON(txn, st.subscriberKey(address), sub); err != nil {
					return err
				}
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			affected = append(affected, address)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(affected)
	return affected, nil
}

// Clear drops every subscriber of the channel
func (st *SubscriberStore) Clear(ctx context.Context) error {
	err := st.s.db.DropPrefix(
		append(key(prefixSubscriber, st.channel), sep...),
		append(key(prefixReverseIndex, st.channel), sep...),
	)
	return wrap("clear_subscribers", err)
}
