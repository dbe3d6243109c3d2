package validation

import (
	"net/url"
	"testing"

	"github.com/nkkko/informer/internal/api/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListQuery(t *testing.T) {
	q, err := ParseListQuery(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, ListQuery{Limit: DefaultLimit}, q)

	q, err = ParseListQuery(url.Values{"observer": {" Twitch "}, "event_type": {"LIVE"}, "limit": {"10"}, "offset": {"20"}})
	require.NoError(t, err)
	assert.Equal(t, ListQuery{Observer: "twitch", EventType: "live", Limit: 10, Offset: 20}, q)
	assert.True(t, q.Matches("twitch", "live"))
	assert.False(t, q.Matches("twitch", "channel-update"))
}

func TestParseListQueryRejectsBadNumbers(t *testing.T) {
	for _, values := range []url.Values{
		{"limit": {"abc"}},
		{"limit": {"0"}},
		{"limit": {"501"}},
		{"offset": {"-1"}},
	} {
		_, err := ParseListQuery(values)
		require.Error(t, err, "values %v", values)
		assert.Equal(t, errors.ErrorTypeValidation, errors.FromError(err).Type)
	}
}

func TestOneOf(t *testing.T) {
	allowed := []string{"live", "channel-update"}
	assert.NoError(t, OneOf("event_type", "", allowed))
	assert.NoError(t, OneOf("event_type", "live", allowed))
	assert.Error(t, OneOf("event_type", "raid", allowed))
}
