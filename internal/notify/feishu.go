package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/httprunner/DeviceAgent/internal/config"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/pkg/errors"
)

const (
	defaultBaseURL = "https://open.feishu.cn"
	sendTimeout    = 15 * time.Second
)

// Sender delivers a plain text message somewhere a human will read it.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type messageAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// FeishuNotifier posts text messages to one Feishu chat.
type FeishuNotifier struct {
	api    messageAPI
	chatID string
}

// NewFeishuNotifier builds a notifier with app credentials. baseURL may be
// empty for the public Feishu endpoint.
func NewFeishuNotifier(appID, appSecret, baseURL, chatID string) (*FeishuNotifier, error) {
	appID = strings.TrimSpace(appID)
	appSecret = strings.TrimSpace(appSecret)
	chatID = strings.TrimSpace(chatID)
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: app id and app secret are required")
	}
	if chatID == "" {
		return nil, errors.New("feishu: notify chat id is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
		lark.WithReqTimeout(sendTimeout),
	}
	if baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return &FeishuNotifier{api: client.Im.V1.Message, chatID: chatID}, nil
}

// NewFeishuNotifierFromEnv reads FEISHU_* settings. It returns nil without
// error when FEISHU_NOTIFY_CHAT_ID is unset.
func NewFeishuNotifierFromEnv() (*FeishuNotifier, error) {
	chatID := config.String(config.EnvFeishuNotifyChat, "")
	if chatID == "" {
		return nil, nil
	}
	return NewFeishuNotifier(
		config.String(config.EnvFeishuAppID, ""),
		config.String(config.EnvFeishuAppSecret, ""),
		config.String(config.EnvFeishuBaseURL, ""),
		chatID,
	)
}

// SendText posts text to the configured chat.
func (n *FeishuNotifier) SendText(ctx context.Context, text string) error {
	if n == nil || n.api == nil {
		return errors.New("feishu: notifier is not initialized")
	}
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errors.Wrap(err, "feishu: encode message content")
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(n.chatID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()

	resp, err := n.api.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "feishu: send message")
	}
	if !resp.Success() {
		return fmt.Errorf("feishu: send message failed code=%d msg=%s log_id=%s", resp.Code, resp.Msg, resp.RequestId())
	}
	return nil
}
