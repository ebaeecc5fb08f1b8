// Package telegram implements chat.Adapter on the Telegram Bot API. Group
// chats map to negative chat ids; inline keyboard callbacks carry the
// action payloads produced by the render package.
package telegram

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/logx"
)

const updateTimeoutSeconds = 30

// Adapter bridges Telegram updates and outgoing calls to the chat contract.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	events chan chat.Event
	logger *logx.Logger
}

// New connects to the Bot API and starts the update pump.
func New(token string) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, chat.WrapErr(err, "connecting to telegram")
	}

	a := &Adapter{
		bot:    bot,
		events: make(chan chat.Event, 64),
		logger: logx.NewLogger("telegram"),
	}
	a.logger.Info("authorized as @%s", bot.Self.UserName)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = updateTimeoutSeconds
	go a.pump(bot.GetUpdatesChan(cfg))
	return a, nil
}

// pump translates raw updates into chat events. Private chats and updates
// without an actionable payload are dropped.
func (a *Adapter) pump(updates tgbotapi.UpdatesChannel) {
	defer close(a.events)
	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			a.pumpCallback(update.CallbackQuery)
		case update.Message != nil:
			a.pumpMessage(update.Message)
		case update.MyChatMember != nil:
			cm := update.MyChatMember
			a.events <- chat.Event{
				Kind:    chat.EventMembershipChange,
				GroupID: cm.Chat.ID,
				User:    fromUser(&cm.From),
			}
		}
	}
}

func (a *Adapter) pumpMessage(m *tgbotapi.Message) {
	if m.Chat == nil || m.Chat.IsPrivate() || m.From == nil || m.From.IsBot {
		return
	}
	ev := chat.Event{
		GroupID:   m.Chat.ID,
		User:      fromUser(m.From),
		MessageID: int64(m.MessageID),
		Text:      m.Text,
		ReplyTo:   fromReply(m.ReplyToMessage),
	}
	if m.IsCommand() {
		ev.Kind = chat.EventCommand
		ev.Command = m.Command()
		ev.Args = m.CommandArguments()
	} else {
		if strings.TrimSpace(m.Text) == "" {
			return
		}
		ev.Kind = chat.EventMessage
	}
	a.events <- ev
}

func (a *Adapter) pumpCallback(q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		// Stale callback from a deleted message; acknowledge and drop.
		if _, err := a.bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			a.logger.Warn("answering orphan callback: %v", err)
		}
		return
	}
	a.events <- chat.Event{
		Kind:       chat.EventCallback,
		GroupID:    q.Message.Chat.ID,
		User:       fromUser(q.From),
		MessageID:  int64(q.Message.MessageID),
		CallbackID: q.ID,
		Data:       q.Data,
	}
}

func fromUser(u *tgbotapi.User) chat.User {
	if u == nil {
		return chat.User{}
	}
	return chat.User{
		ID:           u.ID,
		Handle:       u.UserName,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
		IsBot:        u.IsBot,
	}
}

func fromReply(m *tgbotapi.Message) *chat.Message {
	if m == nil {
		return nil
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	return &chat.Message{
		ID:      int64(m.MessageID),
		Text:    text,
		FromBot: m.From != nil && m.From.IsBot,
	}
}

func markup(buttons chat.ButtonRows) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		tgRow := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			tgRow = append(tgRow, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		rows = append(rows, tgRow)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// Send posts an HTML message and returns its id.
func (a *Adapter) Send(_ context.Context, groupID int64, text string, opts *chat.SendOptions) (int64, error) {
	msg := tgbotapi.NewMessage(groupID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if opts != nil {
		if opts.ReplyTo != 0 {
			msg.ReplyToMessageID = int(opts.ReplyTo)
		}
		if len(opts.Buttons) > 0 {
			msg.ReplyMarkup = markup(opts.Buttons)
		}
	}
	sent, err := a.bot.Send(msg)
	if err != nil {
		return 0, chat.WrapErr(err, "sending to group %d", groupID)
	}
	return int64(sent.MessageID), nil
}

// Edit rewrites a previously sent message, replacing its keyboard.
func (a *Adapter) Edit(_ context.Context, groupID, messageID int64, text string, buttons chat.ButtonRows) error {
	edit := tgbotapi.NewEditMessageTextAndMarkup(groupID, int(messageID), text, markup(buttons))
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := a.bot.Send(edit); err != nil {
		return chat.WrapErr(err, "editing message %d in group %d", messageID, groupID)
	}
	return nil
}

func (a *Adapter) Pin(_ context.Context, groupID, messageID int64) error {
	_, err := a.bot.Request(tgbotapi.PinChatMessageConfig{
		ChatID:              groupID,
		MessageID:           int(messageID),
		DisableNotification: true,
	})
	return chat.WrapErr(err, "pinning message %d in group %d", messageID, groupID)
}

func (a *Adapter) Unpin(_ context.Context, groupID, messageID int64) error {
	_, err := a.bot.Request(tgbotapi.UnpinChatMessageConfig{
		ChatID:    groupID,
		MessageID: int(messageID),
	})
	return chat.WrapErr(err, "unpinning message %d in group %d", messageID, groupID)
}

func (a *Adapter) AnswerCallback(_ context.Context, callbackID, text string, alert bool) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	cb.ShowAlert = alert
	_, err := a.bot.Request(cb)
	return chat.WrapErr(err, "answering callback")
}

// Events returns the inbound event stream. It closes when the update pump
// stops.
func (a *Adapter) Events() <-chan chat.Event {
	return a.events
}

// Close stops the long-poll loop; the pump drains and closes the channel.
func (a *Adapter) Close() error {
	a.bot.StopReceivingUpdates()
	return nil
}
