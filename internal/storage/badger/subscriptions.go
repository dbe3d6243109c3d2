package badger

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/informer/internal/domain"
)

// SubscriptionStore keeps canonical records under sub: with two index prefixes
type SubscriptionStore struct {
	s *Storage
}

func inputKey(observer, eventType, condition string) []byte {
	return key(prefixInputIndex, observer, eventType, condition)
}

func internalKey(observer, eventType, condition string) []byte {
	return key(prefixInternalIndex, observer, eventType, condition)
}

func recordKey(id string) []byte {
	return key(prefixSubscription, id)
}

// putRecord writes the record and both index entries
func putRecord(txn *badger.Txn, sub *domain.NotificationSubscription) error {
	if err := setJSON(txn, recordKey(sub.ID), sub); err != nil {
		return err
	}
	if err := txn.Set(inputKey(sub.Observer, sub.EventType, sub.InputCondition), []byte(sub.ID)); err != nil {
		return err
	}
	if sub.InternalCondition != "" {
		return txn.Set(internalKey(sub.Observer, sub.EventType, sub.InternalCondition), []byte(sub.ID))
	}
	return nil
}

func loadRecord(txn *badger.Txn, id string) (*domain.NotificationSubscription, error) {
	if id == "" {
		return nil, nil
	}
	var sub domain.NotificationSubscription
	found, err := getJSON(txn, recordKey(id), &sub)
	if err != nil || !found {
		return nil, err
	}
	return &sub, nil
}

// Create inserts a new record
func (st *SubscriptionStore) Create(ctx context.Context, sub *domain.NotificationSubscription) error {
	if sub.ID == "" {
		return domain.ValidationError("missing_id", "subscription id is required")
	}

	return st.s.update("create_subscription", func(txn *badger.Txn) error {
		existing, err := loadRecord(txn, sub.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ConflictError("duplicate_id", "subscription "+sub.ID+" already exists")
		}

		id, err := getString(txn, inputKey(sub.Observer, sub.EventType, sub.InputCondition))
		if err != nil {
			return err
		}
		if id != "" {
			return domain.ConflictError("duplicate_condition", "subscription for "+sub.Key().String()+" already exists")
		}
		return putRecord(txn, sub)
	})
}

// CreateIfAbsent inserts sub in the same transaction that checks for an existing record
func (st *SubscriptionStore) CreateIfAbsent(ctx context.Context, sub *domain.NotificationSubscription) (*domain.NotificationSubscription, bool, error) {
	if sub.ID == "" {
		return nil, false, domain.ValidationError("missing_id", "subscription id is required")
	}

	var result *domain.NotificationSubscription
	var created bool

	err := st.s.update("create_subscription_if_absent", func(txn *badger.Txn) error {
		result, created = nil, false

		id, err := getString(txn, inputKey(sub.Observer, sub.EventType, sub.InputCondition))
		if err != nil {
			return err
		}
		if id == "" && sub.InternalCondition != "" {
			if id, err = getString(txn, internalKey(sub.Observer, sub.EventType, sub.InternalCondition)); err != nil {
				return err
			}
		}
		if id == "" {
			id = sub.ID
		}

		existing, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}

		if err := putRecord(txn, sub); err != nil {
			return err
		}
		result, created = sub.Clone(), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// FindByID looks a record up by id
func (st *SubscriptionStore) FindByID(ctx context.Context, id string) (*domain.NotificationSubscription, error) {
	var result *domain.NotificationSubscription
	err := st.s.view("find_subscription", func(txn *badger.Txn) error {
		var err error
		result, err = loadRecord(txn, id)
		return err
	})
	return result, err
}

func (st *SubscriptionStore) findByIndex(op string, k []byte) (*domain.NotificationSubscription, error) {
	var result *domain.NotificationSubscription
	err := st.s.view(op, func(txn *badger.Txn) error {
		id, err := getString(txn, k)
		if err != nil {
			return err
		}
		result, err = loadRecord(txn, id)
		return err
	})
	return result, err
}

// FindWithInputCondition looks a record up by its user-facing condition
func (st *SubscriptionStore) FindWithInputCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	return st.findByIndex("find_subscription_input", inputKey(observer, eventType, condition))
}

// FindWithInternalCondition looks a record up by its platform condition
func (st *SubscriptionStore) FindWithInternalCondition(ctx context.Context, observer, eventType, condition string) (*domain.NotificationSubscription, error) {
	return st.findByIndex("find_subscription_internal", internalKey(observer, eventType, condition))
}

// UpdateInputCondition renames a record and moves its index entry
func (st *SubscriptionStore) UpdateInputCondition(ctx context.Context, id, condition string) error {
	return st.s.update("update_input_condition", func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return domain.NotFoundError("subscription_not_found", "subscription "+id+" not found")
		}
		if rec.InputCondition == condition {
			return nil
		}

		newKey := inputKey(rec.Observer, rec.EventType, condition)
		other, err := getString(txn, newKey)
		if err != nil {
			return err
		}
		if other != "" && other != id {
			return domain.ConflictError("duplicate_condition", "subscription for "+condition+" already exists")
		}

		if err := txn.Delete(inputKey(rec.Observer, rec.EventType, rec.InputCondition)); err != nil {
			return err
		}
		rec.InputCondition = condition
		return putRecord(txn, rec)
	})
}

// UpdateState replaces the continuation state of a record
func (st *SubscriptionStore) UpdateState(ctx context.Context, id string, state map[string]string) error {
	return st.s.update("update_state", func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return domain.NotFoundError("subscription_not_found", "subscription "+id+" not found")
		}
		rec.State = state
		return setJSON(txn, recordKey(id), rec)
	})
}

// Remove deletes a record and its index entries
func (st *SubscriptionStore) Remove(ctx context.Context, id string) error {
	return st.s.update("remove_subscription", func(txn *badger.Txn) error {
		rec, err := loadRecord(txn, id)
		if err != nil || rec == nil {
			return err
		}
		if err := txn.Delete(inputKey(rec.Observer, rec.EventType, rec.InputCondition)); err != nil {
			return err
		}
		if rec.InternalCondition != "" {
			if err := txn.Delete(internalKey(rec.Observer, rec.EventType, rec.InternalCondition)); err != nil {
				return err
			}
		}
		return txn.Delete(recordKey(id))
	})
}

// ListAll returns every record ordered by id
func (st *SubscriptionStore) ListAll(ctx context.Context) ([]*domain.NotificationSubscription, error) {
	var out []*domain.NotificationSubscription
	err := st.s.view("list_subscriptions", func(txn *badger.Txn) error {
		out = nil
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixSubscription)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sub domain.NotificationSubscription
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				return err
			}
			out = append(out, &sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Clear drops every record and index entry
func (st *SubscriptionStore) Clear(ctx context.Context) error {
	err := st.s.db.DropPrefix(
		[]byte(prefixSubscription),
		[]byte(prefixInputIndex),
		[]byte(prefixInternalIndex),
	)
	return wrap("clear_subscriptions", err)
}
