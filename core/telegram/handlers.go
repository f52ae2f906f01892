package telegram

import (
	"log/slog"
	"strings"

	"github.com/createrken-code/nippo-shokuninn/core/conversation"
	"github.com/createrken-code/nippo-shokuninn/core/logger"
	tghelpers "github.com/createrken-code/nippo-shokuninn/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// privateUser returns the sender id for private chats. Reports are per user,
// so group chats are ignored.
func privateUser(c tele.Context) (string, bool) {
	chat, user := c.Chat(), c.Sender()
	if chat == nil || user == nil || chat.Type != tele.ChatPrivate {
		return "", false
	}
	return tghelpers.UserID(user), true
}

func skip(c tele.Context, handler string) error {
	logger.Debug(tghelpers.WithHandler(c, handler), "tg", "update.skipped",
		slog.String("reason", "not_private"),
	)
	return nil
}

func textHandler(h EventHandler) tele.HandlerFunc {
	return func(c tele.Context) error {
		userID, ok := privateUser(c)
		if !ok {
			return skip(c, "text")
		}
		ctx := tghelpers.WithHandler(c, "text")
		return h.Handle(ctx, conversation.TextEvent{UserID: userID, Text: c.Text()}, contextReplier{c: c})
	}
}

// imageHandler serves photos and image documents; telebot keeps the largest photo size.
func imageHandler(h EventHandler) tele.HandlerFunc {
	return func(c tele.Context) error {
		userID, ok := privateUser(c)
		if !ok {
			return skip(c, "image")
		}
		fileID := imageFileID(c.Message())
		if fileID == "" {
			return nil
		}
		ctx := tghelpers.WithHandler(c, "image")
		return h.Handle(ctx, conversation.ImageEvent{UserID: userID, ContentID: fileID}, contextReplier{c: c})
	}
}

func imageFileID(msg *tele.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.Photo != nil:
		return msg.Photo.FileID
	case msg.Document != nil && strings.HasPrefix(msg.Document.MIME, "image/"):
		return msg.Document.FileID
	}
	return ""
}
