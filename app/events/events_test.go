package events

import (
	"fmt"
	"testing"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-guard/tg-guard/app/events/mocks"
)

func TestEscapeMarkDownV1Text(t *testing.T) {
	tbl := []struct {
		in, out string
	}{
		{"plain text", "plain text"},
		{"with_underscore", "with\\_underscore"},
		{"with*star", "with\\*star"},
		{"with`backtick", "with\\`backtick"},
		{"with[bracket", "with\\[bracket"},
		{"_all*of`them[", "\\_all\\*of\\`them\\["},
	}
	for _, tt := range tbl {
		assert.Equal(t, tt.out, escapeMarkDownV1Text(tt.in))
	}
}

func TestSend(t *testing.T) {
	t.Run("markdown ok", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
				msg, ok := c.(tbapi.MessageConfig)
				require.True(t, ok)
				assert.Equal(t, tbapi.ModeMarkdown, msg.ParseMode)
				return tbapi.Message{}, nil
			},
		}
		err := send(tbapi.NewMessage(123, "hello"), mockAPI)
		assert.NoError(t, err)
		assert.Len(t, mockAPI.SendCalls(), 1)
	})

	t.Run("markdown fails, plain text fallback", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
				msg, ok := c.(tbapi.MessageConfig)
				require.True(t, ok)
				if msg.ParseMode == tbapi.ModeMarkdown {
					return tbapi.Message{}, fmt.Errorf("bad markdown")
				}
				return tbapi.Message{}, nil
			},
		}
		err := send(tbapi.NewMessage(123, "hello [broken"), mockAPI)
		assert.NoError(t, err)
		assert.Len(t, mockAPI.SendCalls(), 2)
	})

	t.Run("both attempts fail", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			SendFunc: func(_ tbapi.Chattable) (tbapi.Message, error) {
				return tbapi.Message{}, fmt.Errorf("telegram down")
			},
		}
		err := send(tbapi.NewMessage(123, "hello"), mockAPI)
		assert.Error(t, err)
	})
}

func TestBanUserOrChannel(t *testing.T) {
	okResponse := &tbapi.APIResponse{Ok: true}

	t.Run("ban user", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
				req, ok := c.(tbapi.BanChatMemberConfig)
				require.True(t, ok)
				assert.Equal(t, int64(123), req.UserID)
				assert.Equal(t, int64(-100), req.ChatID)
				assert.InDelta(t, time.Now().Add(10*time.Minute).Unix(), req.UntilDate, 2)
				return okResponse, nil
			},
		}
		err := banUserOrChannel(banRequest{tbAPI: mockAPI, userID: 123, chatID: -100, duration: 10 * time.Minute})
		assert.NoError(t, err)
		assert.Len(t, mockAPI.RequestCalls(), 1)
	})

	t.Run("ban channel", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
				req, ok := c.(tbapi.BanChatSenderChatConfig)
				require.True(t, ok)
				assert.Equal(t, int64(-200), req.SenderChatID)
				return okResponse, nil
			},
		}
		err := banUserOrChannel(banRequest{tbAPI: mockAPI, userID: 123, channelID: -200, chatID: -100, duration: time.Hour})
		assert.NoError(t, err)
	})

	t.Run("short duration bumped to a minute", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
				req := c.(tbapi.BanChatMemberConfig)
				assert.InDelta(t, time.Now().Add(time.Minute).Unix(), req.UntilDate, 2)
				return okResponse, nil
			},
		}
		err := banUserOrChannel(banRequest{tbAPI: mockAPI, userID: 123, chatID: -100, duration: time.Second})
		assert.NoError(t, err)
	})

	t.Run("dry run does nothing", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{}
		err := banUserOrChannel(banRequest{tbAPI: mockAPI, userID: 123, chatID: -100, duration: time.Hour, dry: true})
		assert.NoError(t, err)
		assert.Len(t, mockAPI.RequestCalls(), 0)
	})

	t.Run("not ok response", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			RequestFunc: func(_ tbapi.Chattable) (*tbapi.APIResponse, error) {
				return &tbapi.APIResponse{Ok: false, Result: []byte("nope")}, nil
			},
		}
		err := banUserOrChannel(banRequest{tbAPI: mockAPI, userID: 123, chatID: -100, duration: time.Hour})
		assert.ErrorContains(t, err, "not Ok")
	})
}

func TestDeleteMessage(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
				req, ok := c.(tbapi.DeleteMessageConfig)
				require.True(t, ok)
				assert.Equal(t, 42, req.MessageID)
				return &tbapi.APIResponse{Ok: true}, nil
			},
		}
		assert.NoError(t, deleteMessage(mockAPI, -100, 42))
	})

	t.Run("request error", func(t *testing.T) {
		mockAPI := &mocks.TbAPIMock{
			RequestFunc: func(_ tbapi.Chattable) (*tbapi.APIResponse, error) {
				return nil, fmt.Errorf("telegram down")
			},
		}
		assert.Error(t, deleteMessage(mockAPI, -100, 42))
	})
}
