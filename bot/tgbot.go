package bot

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"github.com/Finitoshi/telegram-bot/core"
	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/metrics"
)

// TgBot is the outbound side of the Telegram API; updates arrive through the webhook
type TgBot struct {
	conf *core.Config
	api  *tgbotapi.BotAPI
	log  *slog.Logger
}

func NewTgBot(conf *core.Config, log *slog.Logger) (*TgBot, error) {
	api, err := tgbotapi.NewBotAPI(conf.TelegramApiKey)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	return &TgBot{
		conf: conf,
		api:  api,
		log:  log.With(sl.Module("tgbot")),
	}, nil
}

// Username reports the bot account name as Telegram knows it
func (t *TgBot) Username() string {
	return t.api.Self.UserName
}

func (t *TgBot) SendText(chatId int64, text string) error {
	msg := tgbotapi.NewMessage(chatId, text)
	if _, err := t.api.Send(msg); err != nil {
		metrics.UpstreamFailures.WithLabelValues(metrics.UpstreamTelegram).Inc()
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (t *TgBot) SendTyping(chatId int64) error {
	action := tgbotapi.NewChatAction(chatId, tgbotapi.ChatTyping)
	if _, err := t.api.Send(action); err != nil {
		return fmt.Errorf("sending chat action: %w", err)
	}
	return nil
}

// SetWebhook registers <base>/webhook/<token> with Telegram
func (t *TgBot) SetWebhook(base string) error {
	link := strings.TrimSuffix(base, "/") + t.conf.WebhookPath()

	params := url.Values{}
	params.Set("url", link)
	params.Set("allowed_updates", `["message"]`)
	if t.conf.Listen.SecretToken != "" {
		params.Set("secret_token", t.conf.Listen.SecretToken)
	}

	resp, err := t.api.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("setting webhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("setting webhook: %s", resp.Description)
	}
	t.log.With(slog.String("url", strings.TrimSuffix(base, "/")+"/webhook/"), sl.Secret(t.conf.TelegramApiKey)).Info("webhook registered")
	return nil
}
