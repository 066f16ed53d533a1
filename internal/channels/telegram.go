// Package channels adapts chat transports to pipeline events. Telegram is the
// only transport today.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/llitpux/observer/internal/bus"
)

// Deliverer receives every observed chat event.
type Deliverer func(ctx context.Context, e bus.InboundEvent)

// Telegram long-polls the Bot API and converts updates into inbound events.
type Telegram struct {
	token        string
	allowedChats map[int64]struct{}
	deliver      Deliverer
	logger       *slog.Logger
	bot          *tgbotapi.BotAPI
}

// NewTelegram builds the adapter. An empty allowedChats list observes every
// chat the bot is a member of.
func NewTelegram(token string, allowedChats []int64, deliver Deliverer, logger *slog.Logger) *Telegram {
	allowed := make(map[int64]struct{}, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = struct{}{}
	}
	return &Telegram{token: token, allowedChats: allowed, deliver: deliver, logger: logger}
}

// Start connects and polls until ctx is cancelled, reconnecting with
// exponential backoff on transport failures.
func (t *Telegram) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.logger.Info("telegram connected", "bot", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads the update channel until ctx is done, the channel closes,
// or nothing arrives within 2.5x the long-poll timeout. The library blocks on
// a dead connection instead of closing the channel, so a stall timer is the
// only reliable disconnect signal.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			msg := update.Message
			if msg == nil {
				msg = update.EditedMessage
			}
			if msg == nil || msg.From == nil || msg.From.IsBot {
				continue
			}
			if len(t.allowedChats) > 0 {
				if _, ok := t.allowedChats[msg.Chat.ID]; !ok {
					t.logger.Debug("update from unobserved chat dropped", "chat_id", msg.Chat.ID)
					continue
				}
			}

			e := eventFromMessage(msg)
			if e.Text == "" && e.MediaKind == "" {
				continue
			}
			t.deliver(ctx, e)

		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

// SendMessage posts a reply and returns its Telegram message id.
func (t *Telegram) SendMessage(_ context.Context, chatID int64, text string) (int64, error) {
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return int64(sent.MessageID), nil
}

func eventFromMessage(msg *tgbotapi.Message) bus.InboundEvent {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return bus.InboundEvent{
		ChatID:     msg.Chat.ID,
		ChatName:   chatName(msg.Chat),
		ChatType:   msg.Chat.Type,
		MessageID:  int64(msg.MessageID),
		Source:     bus.SourceUser,
		SenderID:   msg.From.ID,
		SenderName: senderName(msg.From),
		Username:   msg.From.UserName,
		Text:       text,
		Timestamp:  float64(msg.Date),
		MediaKind:  mediaKind(msg),
	}
}

func chatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func senderName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func mediaKind(msg *tgbotapi.Message) string {
	switch {
	case msg.Sticker != nil:
		return "sticker"
	case msg.Voice != nil:
		return "voice"
	case msg.VideoNote != nil:
		return "video"
	case msg.Video != nil:
		return "video"
	case len(msg.Photo) > 0:
		return "photo"
	default:
		return ""
	}
}
