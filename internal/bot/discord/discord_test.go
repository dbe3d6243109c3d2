package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/nkkko/informer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	channels []string
	texts    []string
	err      error
}

func (f *fakeSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.channels = append(f.channels, channelID)
	f.texts = append(f.texts, content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func restError(status, code int, message string) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: message},
	}
}

func TestSendMessage(t *testing.T) {
	s := &fakeSession{}
	ch := NewChannel(s)

	require.NoError(t, ch.SendMessage(context.Background(), "9001", "hello"))
	assert.Equal(t, []string{"9001"}, s.channels)
	assert.Equal(t, []string{"hello"}, s.texts)
	assert.Equal(t, "discord", ch.Name())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   domain.ErrorType
		retryAfter time.Duration
	}{
		{
			name: "rate limited",
			err: &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
				TooManyRequests: &discordgo.TooManyRequests{Message: "You are being rate limited.", RetryAfter: 1500 * time.Millisecond},
			}},
			wantType:   domain.ErrorTypeTransientDelivery,
			retryAfter: 1500 * time.Millisecond,
		},
		{
			name:     "unknown channel",
			err:      restError(http.StatusNotFound, discordgo.ErrCodeUnknownChannel, "Unknown Channel"),
			wantType: domain.ErrorTypePermanentDelivery,
		},
		{
			name:     "missing access",
			err:      restError(http.StatusForbidden, discordgo.ErrCodeMissingAccess, "Missing Access"),
			wantType: domain.ErrorTypePermanentDelivery,
		},
		{
			name:     "missing permissions",
			err:      restError(http.StatusForbidden, discordgo.ErrCodeMissingPermissions, "Missing Permissions"),
			wantType: domain.ErrorTypePermanentDelivery,
		},
		{
			name:     "too many requests status",
			err:      restError(http.StatusTooManyRequests, 0, "slow down"),
			wantType: domain.ErrorTypeTransientDelivery,
		},
		{
			name: "server error",
			err:  restError(http.StatusBadGateway, 0, "bad gateway"),
		},
		{
			name: "network",
			err:  errors.New("connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewChannel(&fakeSession{err: tt.err}).SendMessage(context.Background(), "9001", "hello")
			require.Error(t, err)
			assert.Equal(t, tt.wantType, domain.TypeOf(err))
			assert.Equal(t, tt.retryAfter, domain.RetryAfter(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
