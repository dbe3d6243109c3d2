// Package validation checks operator API query parameters.
package validation

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/nkkko/informer/internal/api/errors"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ListQuery is the parsed query of a list request
type ListQuery struct {
	Observer  string
	EventType string
	Limit     int
	Offset    int
}

// Matches reports whether a record passes the filters
func (q ListQuery) Matches(observer, eventType string) bool {
	return (q.Observer == "" || q.Observer == observer) &&
		(q.EventType == "" || q.EventType == eventType)
}

// ParseListQuery reads observer, event_type, limit and offset
func ParseListQuery(values url.Values) (ListQuery, error) {
	q := ListQuery{
		Observer:  strings.ToLower(strings.TrimSpace(values.Get("observer"))),
		EventType: strings.ToLower(strings.TrimSpace(values.Get("event_type"))),
		Limit:     DefaultLimit,
	}

	var err error
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = Int("limit", v, 1, MaxLimit); err != nil {
			return ListQuery{}, err
		}
	}
	if v := values.Get("offset"); v != "" {
		if q.Offset, err = Int("offset", v, 0, -1); err != nil {
			return ListQuery{}, err
		}
	}
	return q, nil
}

// Int parses an integer within [min, max]; a negative max means unbounded
func Int(field, value string, min, max int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.ValidationError("invalid_integer", field+" must be an integer")
	}
	if n < min {
		return 0, errors.ValidationError("min_value_not_met", field+" must be at least "+strconv.Itoa(min))
	}
	if max >= 0 && n > max {
		return 0, errors.ValidationError("max_value_exceeded", field+" must be at most "+strconv.Itoa(max))
	}
	return n, nil
}

// OneOf checks that value is empty or one of allowed
func OneOf(field, value string, allowed []string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if a == value {
			return nil
		}
	}
	return errors.ValidationError("invalid_value", field+" must be one of: "+strings.Join(allowed, ", "))
}
