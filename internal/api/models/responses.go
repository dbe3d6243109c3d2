// Package models holds the JSON shapes of the operator API.
package models

import (
	"sort"

	"github.com/nkkko/informer/internal/domain"
)

// SubscriptionResponse is one canonical record
type SubscriptionResponse struct {
	ID                string            `json:"id"`
	Observer          string            `json:"observer"`
	EventType         string            `json:"event_type"`
	InputCondition    string            `json:"input_condition"`
	InternalCondition string            `json:"internal_condition"`
	State             map[string]string `json:"state,omitempty"`
	Recipients        int               `json:"recipients"`
}

// SubscriptionFromDomain converts a record
func SubscriptionFromDomain(sub *domain.NotificationSubscription, recipients int) *SubscriptionResponse {
	if sub == nil {
		return nil
	}
	return &SubscriptionResponse{
		ID:                sub.ID,
		Observer:          sub.Observer,
		EventType:         sub.EventType,
		InputCondition:    sub.InputCondition,
		InternalCondition: sub.InternalCondition,
		State:             sub.State,
		Recipients:        recipients,
	}
}

// SortSubscriptions orders records by observer, event type and condition
func SortSubscriptions(subs []*domain.NotificationSubscription) {
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.Observer != b.Observer {
			return a.Observer < b.Observer
		}
		if a.EventType != b.EventType {
			return a.EventType < b.EventType
		}
		return a.InputCondition < b.InputCondition
	})
}

// PaginationMeta contains pagination metadata
type PaginationMeta struct {
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// HealthResponse is the body of the health check
type HealthResponse struct {
	Status    string   `json:"status"`
	Observers []string `json:"observers"`
	Channels  []string `json:"channels"`
}
