package channels

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/llitpux/observer/internal/bus"
)

func sampleMessage() *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 100,
		Date:      1738670000,
		Text:      "Бобре, привіт!",
		Chat:      &tgbotapi.Chat{ID: -100123, Type: "supergroup", Title: "друзі"},
		From:      &tgbotapi.User{ID: 42, FirstName: "Alice", LastName: "K", UserName: "alicek"},
	}
}

func TestEventFromMessage(t *testing.T) {
	e := eventFromMessage(sampleMessage())
	if e.ChatID != -100123 || e.ChatName != "друзі" || e.ChatType != "supergroup" {
		t.Errorf("chat fields = %+v", e)
	}
	if e.MessageID != 100 || e.UID() != "-100123:100" {
		t.Errorf("uid = %q", e.UID())
	}
	if e.Source != bus.SourceUser || e.SenderID != 42 || e.SenderName != "Alice K" || e.Username != "alicek" {
		t.Errorf("sender fields = %+v", e)
	}
	if e.Text != "Бобре, привіт!" || e.MediaKind != "" {
		t.Errorf("content fields = %+v", e)
	}
	if e.Timestamp != 1738670000 {
		t.Errorf("timestamp = %v", e.Timestamp)
	}
}

func TestEventFromMessageCaptionFallback(t *testing.T) {
	msg := sampleMessage()
	msg.Text = ""
	msg.Caption = "підпис до фото"
	msg.Photo = []tgbotapi.PhotoSize{{FileID: "f1"}}

	e := eventFromMessage(msg)
	if e.Text != "підпис до фото" {
		t.Errorf("text = %q", e.Text)
	}
	if e.MediaKind != "photo" {
		t.Errorf("media kind = %q", e.MediaKind)
	}
}

func TestMediaKind(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*tgbotapi.Message)
		want string
	}{
		{"plain text", func(*tgbotapi.Message) {}, ""},
		{"sticker", func(m *tgbotapi.Message) { m.Sticker = &tgbotapi.Sticker{} }, "sticker"},
		{"voice", func(m *tgbotapi.Message) { m.Voice = &tgbotapi.Voice{} }, "voice"},
		{"video", func(m *tgbotapi.Message) { m.Video = &tgbotapi.Video{} }, "video"},
		{"video note", func(m *tgbotapi.Message) { m.VideoNote = &tgbotapi.VideoNote{} }, "video"},
		{"photo", func(m *tgbotapi.Message) { m.Photo = []tgbotapi.PhotoSize{{}} }, "photo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := sampleMessage()
			tc.mod(msg)
			if got := mediaKind(msg); got != tc.want {
				t.Errorf("mediaKind = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSenderNameFallsBackToUsername(t *testing.T) {
	u := &tgbotapi.User{UserName: "ghost"}
	if got := senderName(u); got != "ghost" {
		t.Errorf("senderName = %q", got)
	}
}

func TestChatNamePrivateChat(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 42, Type: "private", FirstName: "Alice", LastName: "K"}
	if got := chatName(chat); got != "Alice K" {
		t.Errorf("chatName = %q", got)
	}
}
