package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"github.com/Finitoshi/telegram-bot/access"
	"github.com/Finitoshi/telegram-bot/core"
	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/metrics"
	"github.com/Finitoshi/telegram-bot/wallet"
)

const (
	cmdConnect       = "/connect"
	cmdSign          = "/sign"
	cmdGenerateImage = "/generate_image"
	cmdStart         = "/start"
	cmdHelp          = "/help"
)

const (
	errorResponse       = "Sorry, I'm not feeling well today. Please try again later."
	welcomeResponse     = "Hi! I'm Chibi. Connect a wallet holding our token to chat with me.\nStart with /connect <wallet_address>."
	helpResponse        = "You can use the following commands:\n/connect <wallet_address> - get a nonce to sign\n/sign <signature_hex> - prove wallet ownership\n/generate_image <description> - create an image\n/help - show this help\nAnything else is a question for me, once your wallet is verified."
	verifyFirstResponse = "Please verify your wallet first: /connect <wallet_address>"
	connectUsage        = "Usage: /connect <wallet_address>"
	signUsage           = "Usage: /sign <signature_hex>"
	imageUsage          = "Usage: /generate_image <description>"
	challengeResponse   = "Sign this nonce with your wallet and send the signature back with /sign <signature_hex>:\n\n%s\n\nThe nonce expires in a few minutes."
	noNonceResponse     = "No nonce found or it has expired. Please /connect again."
	badSignature        = "Signature verification failed. Check that you signed the latest nonce with the same wallet and try again."
	insufficientTokens  = "Your wallet is verified, but it holds insufficient tokens for access."
	verifiedResponse    = "Wallet verified! You now have access."
	promptPending       = "Generating a detailed prompt..."
	imageInitiated      = "Image generation initiated! It will arrive shortly."
	imageFailed         = "Failed to start image generation. Try again later."
)

var commands = []string{cmdConnect, cmdSign, cmdGenerateImage, cmdStart, cmdHelp}

// AccessControl is the part of the access state machine the router needs
type AccessControl interface {
	Connect(ctx context.Context, userId int64, address string) (string, error)
	Sign(ctx context.Context, userId int64, signature string) (access.Decision, error)
	Authorize(ctx context.Context, userId int64) bool
}

// Handler routes inbound updates; the chat id identifies the conversation
type Handler struct {
	messenger core.Messenger
	access    AccessControl
	chat      core.ChatService
	relay     core.ImageRelay
	username  string
	typing    time.Duration
	log       *slog.Logger
}

func NewHandler(
	messenger core.Messenger,
	control AccessControl,
	chat core.ChatService,
	relay core.ImageRelay,
	username string,
	log *slog.Logger,
) *Handler {
	return &Handler{
		messenger: messenger,
		access:    control,
		chat:      chat,
		relay:     relay,
		username:  strings.TrimPrefix(username, "@"),
		typing:    5 * time.Second,
		log:       log.With(sl.Module("router")),
	}
}

// SetTypingInterval changes how often the typing action is repeated
func (h *Handler) SetTypingInterval(d time.Duration) {
	h.typing = d
}

// HandleUpdate never panics; anything unexpected becomes the generic apology
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	incoming := update.Message
	if incoming == nil || incoming.Chat == nil || incoming.Text == "" {
		return
	}
	chatId := incoming.Chat.ID
	log := h.log.With(sl.User(chatId))

	defer func() {
		if r := recover(); r != nil {
			log.With(
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			).Error("handling update")
			h.reply(chatId, errorResponse)
		}
	}()

	text := strings.TrimSpace(incoming.Text)
	command, argument := h.parse(text)

	if command == "" && !incoming.Chat.IsPrivate() && !h.isMentioned(text) && !h.isReplyToBot(incoming) {
		return
	}

	label := strings.TrimPrefix(command, "/")
	if label == "" {
		label = "text"
	}
	metrics.Commands.WithLabelValues(label).Inc()

	logText := text
	if len(logText) > 50 {
		logText = logText[:50] + "..."
	}
	log.With(slog.String("command", label)).Debug(logText)

	switch command {
	case cmdStart:
		h.reply(chatId, welcomeResponse)
	case cmdHelp:
		h.reply(chatId, helpResponse)
	case cmdConnect:
		h.connect(ctx, chatId, argument)
	case cmdSign:
		h.sign(ctx, chatId, argument)
	case cmdGenerateImage:
		h.generateImage(ctx, chatId, argument)
	default:
		h.freeText(ctx, chatId, h.stripMention(text))
	}
}

// parse matches a lower-cased prefix against the known commands
func (h *Handler) parse(text string) (string, string) {
	lower := strings.ToLower(text)
	for _, cmd := range commands {
		if !strings.HasPrefix(lower, cmd) {
			continue
		}
		rest := text[len(cmd):]
		// /sign@botname <hex>
		if strings.HasPrefix(rest, "@") {
			if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
				rest = rest[i:]
			} else {
				rest = ""
			}
		}
		return cmd, strings.TrimSpace(rest)
	}
	return "", text
}

func (h *Handler) connect(ctx context.Context, chatId int64, address string) {
	nonce, err := h.access.Connect(ctx, chatId, address)
	if err != nil {
		h.reply(chatId, connectFailure(err))
		if !errors.Is(err, access.ErrMissingArgument) && !errors.Is(err, access.ErrInvalidAddress) {
			h.log.With(sl.User(chatId)).Error("connect", sl.Err(err))
		}
		return
	}
	h.reply(chatId, fmt.Sprintf(challengeResponse, nonce))
}

func connectFailure(err error) string {
	if errors.Is(err, access.ErrMissingArgument) {
		return connectUsage
	}
	var addrErr *wallet.AddressError
	if errors.As(err, &addrErr) {
		switch addrErr.Reason {
		case wallet.ReasonLength:
			return "Invalid wallet address: it does not decode to a 32-byte public key. " + connectUsage
		case wallet.ReasonEncoding:
			return "Invalid wallet address: it is not valid base58. " + connectUsage
		}
		return connectUsage
	}
	return errorResponse
}

func (h *Handler) sign(ctx context.Context, chatId int64, signature string) {
	_, err := h.access.Sign(ctx, chatId, signature)
	switch {
	case err == nil:
		h.reply(chatId, verifiedResponse)
	case errors.Is(err, access.ErrMissingArgument):
		h.reply(chatId, signUsage)
	case errors.Is(err, access.ErrNoNonce):
		h.reply(chatId, noNonceResponse)
	case errors.Is(err, access.ErrInvalidSignature):
		h.reply(chatId, badSignature)
	case errors.Is(err, access.ErrInsufficientBalance):
		h.reply(chatId, insufficientTokens)
	default:
		h.log.With(sl.User(chatId)).Error("sign", sl.Err(err))
		h.reply(chatId, errorResponse)
	}
}

func (h *Handler) generateImage(ctx context.Context, chatId int64, description string) {
	if !h.access.Authorize(ctx, chatId) {
		h.reply(chatId, verifyFirstResponse)
		return
	}
	if description == "" {
		h.reply(chatId, imageUsage)
		return
	}

	h.reply(chatId, promptPending)
	var prompt string
	err := h.whileTyping(chatId, func() error {
		var err error
		prompt, err = h.chat.ImagePrompt(ctx, chatId, description)
		return err
	})
	if err != nil {
		h.log.With(sl.User(chatId)).Error("image prompt", sl.Err(err))
		h.reply(chatId, imageFailed)
		return
	}

	if err = h.relay.Send(ctx, chatId, prompt); err != nil {
		h.log.With(sl.User(chatId)).Error("image relay", sl.Err(err))
		h.reply(chatId, imageFailed)
		return
	}
	h.reply(chatId, imageInitiated)
}

func (h *Handler) freeText(ctx context.Context, chatId int64, text string) {
	if !h.access.Authorize(ctx, chatId) {
		h.reply(chatId, verifyFirstResponse)
		return
	}
	if text == "" {
		return
	}

	var response string
	err := h.whileTyping(chatId, func() error {
		var err error
		response, err = h.chat.GetResponse(ctx, chatId, text)
		return err
	})
	if err != nil {
		h.log.With(sl.User(chatId)).Error("getting response", sl.Err(err))
		response = errorResponse
	}
	h.reply(chatId, response)
}

// whileTyping keeps the typing indicator alive until fn returns
func (h *Handler) whileTyping(chatId int64, fn func() error) error {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.typing)
		defer ticker.Stop()
		h.sendTyping(chatId)
		for {
			select {
			case <-ticker.C:
				h.sendTyping(chatId)
			case <-done:
				return
			}
		}
	}()
	defer close(done)
	return fn()
}

func (h *Handler) sendTyping(chatId int64) {
	if err := h.messenger.SendTyping(chatId); err != nil {
		h.log.With(sl.User(chatId)).Debug("typing", sl.Err(err))
	}
}

func (h *Handler) reply(chatId int64, text string) {
	if err := h.messenger.SendText(chatId, text); err != nil {
		h.log.With(sl.User(chatId)).Error("sending reply", sl.Err(err))
	}
}

// detect if we are mentioned in the message
func (h *Handler) isMentioned(text string) bool {
	if h.username != "" {
		return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(h.username))
	}
	return false
}

// detect if message is a reply to a message from the bot
func (h *Handler) isReplyToBot(message *tgbotapi.Message) bool {
	if h.username != "" && message.ReplyToMessage != nil && message.ReplyToMessage.From != nil {
		return strings.EqualFold(message.ReplyToMessage.From.UserName, h.username)
	}
	return false
}

func (h *Handler) stripMention(text string) string {
	if h.username == "" {
		return text
	}
	mention := "@" + h.username
	if i := strings.Index(strings.ToLower(text), strings.ToLower(mention)); i >= 0 {
		text = text[:i] + text[i+len(mention):]
	}
	return strings.TrimSpace(text)
}
