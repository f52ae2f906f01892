package telegram

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/samber/oops"

	tele "gopkg.in/telebot.v4"
)

// botAPI is the slice of *tele.Bot the messenger needs.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	File(file *tele.File) (io.ReadCloser, error)
}

// Messenger pushes texts to users and downloads their files.
type Messenger struct {
	bot botAPI
}

// NewMessenger wraps a bot.
func NewMessenger(bot botAPI) *Messenger {
	return &Messenger{bot: bot}
}

// Push sends text to the private chat of userID.
func (m *Messenger) Push(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid user id %q: %w", userID, err)
	}
	if _, err := m.bot.Send(tele.ChatID(id), text); err != nil {
		return fmt.Errorf("telegram: push: %w", err)
	}
	return nil
}

// Fetch downloads the file behind fileID.
func (m *Messenger) Fetch(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := m.bot.File(&tele.File{FileID: fileID})
	if err != nil {
		return nil, oops.Code("content_fetch").With("platform", "telegram", "file_id", fileID).Wrap(err)
	}
	return body, nil
}

// contextReplier answers into the chat the update came from.
type contextReplier struct {
	c tele.Context
}

func (r contextReplier) Reply(_ context.Context, text string) error {
	return r.c.Send(text)
}
