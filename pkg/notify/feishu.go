package notify

import (
	"context"
	"encoding/json"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FeishuConfig identifies the bot app and the chat receiving events.
type FeishuConfig struct {
	AppID     string
	AppSecret string
	ChatID    string
	BaseURL   string
}

// Feishu posts a text message per event to a group chat.
type Feishu struct {
	client *lark.Client
	chatID string
	// send is replaced in tests.
	send func(ctx context.Context, req *larkim.CreateMessageReq) error
}

// NewFeishu builds a Feishu notifier. AppID, AppSecret and ChatID are required.
func NewFeishu(cfg FeishuConfig) (*Feishu, error) {
	appID := strings.TrimSpace(cfg.AppID)
	appSecret := strings.TrimSpace(cfg.AppSecret)
	chatID := strings.TrimSpace(cfg.ChatID)
	if appID == "" || appSecret == "" || chatID == "" {
		return nil, errors.New("notify: feishu app id, app secret and chat id are required")
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" && base != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(base))
	}
	f := &Feishu{
		client: lark.NewClient(appID, appSecret, opts...),
		chatID: chatID,
	}
	f.send = f.create
	return f, nil
}

func (f *Feishu) Notify(ctx context.Context, ev Event) error {
	content, err := textContent(ev.Summary())
	if err != nil {
		return err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(f.chatID).
			MsgType("text").
			Content(content).
			Build()).
		Build()
	if err := f.send(ctx, req); err != nil {
		return err
	}
	log.Debug().Str("task_id", ev.TaskID).Str("chat_id", f.chatID).Msg("notify: feishu message sent")
	return nil
}

func (f *Feishu) create(ctx context.Context, req *larkim.CreateMessageReq) error {
	resp, err := f.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "notify: feishu create message failed")
	}
	if resp == nil {
		return errors.New("notify: empty feishu response")
	}
	if !resp.Success() {
		return errors.Errorf("notify: feishu create message code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func textContent(text string) (string, error) {
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", errors.Wrap(err, "notify: marshal feishu content failed")
	}
	return string(data), nil
}
