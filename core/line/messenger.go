package line

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/samber/oops"

	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/netutil"
)

// MessagingAPI is the part of *messaging_api.MessagingApiAPI the bot calls.
type MessagingAPI interface {
	ReplyMessageWithHttpInfo(req *messaging_api.ReplyMessageRequest) (*http.Response, *messaging_api.ReplyMessageResponse, error)
	PushMessageWithHttpInfo(req *messaging_api.PushMessageRequest, xLineRetryKey string) (*http.Response, *messaging_api.PushMessageResponse, error)
}

// BlobAPI is the part of *messaging_api.MessagingApiBlobAPI the bot calls.
type BlobAPI interface {
	GetMessageContent(messageID string) (*http.Response, error)
}

// retryKeySpace namespaces push retry keys derived from session ids.
var retryKeySpace = uuid.MustParse("5f0c7f55-8d1e-4e43-9a4f-6b1f61f2a0d4")

// Messenger sends replies and pushes and downloads message content.
type Messenger struct {
	api  MessagingAPI
	blob BlobAPI
}

// NewMessenger wraps already constructed API clients.
func NewMessenger(api MessagingAPI, blob BlobAPI) *Messenger {
	return &Messenger{api: api, blob: blob}
}

// NewClientMessenger builds the LINE API clients for token over client.
func NewClientMessenger(token string, client *http.Client) (*Messenger, error) {
	api, err := messaging_api.NewMessagingApiAPI(token, messaging_api.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("line: messaging client: %w", err)
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(token, messaging_api.WithBlobHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("line: blob client: %w", err)
	}
	return NewMessenger(api, blob), nil
}

// Reply answers with a single-use reply token.
func (m *Messenger) Reply(ctx context.Context, replyToken, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, _, err := m.api.ReplyMessageWithHttpInfo(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	})
	return statusErr("line reply", resp, err)
}

// Push sends text to userID. Retries of one finished session reuse the
// same X-Line-Retry-Key so LINE accepts the message at most once.
func (m *Messenger) Push(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, _, err := m.api.PushMessageWithHttpInfo(&messaging_api.PushMessageRequest{
		To:       userID,
		Messages: []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	}, retryKey(ctx, userID, text))
	if resp != nil && resp.StatusCode == http.StatusConflict {
		// Already accepted under this retry key.
		return nil
	}
	return statusErr("line push", resp, err)
}

// Fetch downloads the binary content of an image message.
func (m *Messenger) Fetch(ctx context.Context, messageID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.blob.GetMessageContent(messageID)
	if err == nil && resp != nil && resp.StatusCode/100 != 2 {
		resp.Body.Close()
		err = &netutil.StatusError{Op: "line content", Status: resp.StatusCode}
	}
	if err == nil && resp == nil {
		err = fmt.Errorf("line content: empty response")
	}
	if err != nil {
		return nil, oops.Code("content_fetch").With("platform", Platform, "message_id", messageID).Wrap(err)
	}
	return resp.Body, nil
}

func retryKey(ctx context.Context, userID, text string) string {
	if sid := logger.SessionIDFrom(ctx); sid != "" {
		return uuid.NewSHA1(retryKeySpace, []byte(sid+"\x00"+userID+"\x00"+text)).String()
	}
	return uuid.NewString()
}

// statusErr prefers a typed status error so callers can classify retries.
func statusErr(op string, resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode/100 != 2 {
		se := &netutil.StatusError{Op: op, Status: resp.StatusCode}
		if err == nil {
			return se
		}
		return fmt.Errorf("%w: %v", se, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// tokenReplier answers through the event's reply token once, then falls
// back to push since reply tokens are single use.
type tokenReplier struct {
	m      *Messenger
	token  string
	userID string
	used   atomic.Bool
}

func (r *tokenReplier) Reply(ctx context.Context, text string) error {
	if r.token != "" && r.used.CompareAndSwap(false, true) {
		return r.m.Reply(ctx, r.token, text)
	}
	return r.m.Push(ctx, r.userID, text)
}
