package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"defectmaster/internal/app"
	"defectmaster/pkg/store"
)

// Bot is the Telegram transport over the intake workflow.
type Bot struct {
	api    *tgbotapi.BotAPI
	app    *app.App
	logger *slog.Logger

	httpClient *http.Client

	mu             sync.Mutex
	pendingContext map[int64]bool
}

// NewBot authenticates against the Telegram API.
func NewBot(token string, application *app.App, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Bot{
		api:            api,
		app:            application,
		logger:         logger,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		pendingContext: make(map[int64]bool),
	}, nil
}

// Username returns the bot's @name, used for referral deep links.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Run consumes long-polling updates until the context is canceled.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)
	b.logger.Info("telegram bot started", "username", b.Username())

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panicked", "panic", r)
		}
	}()
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, msg)
	case msg.Text != "" && b.takePendingContext(userID):
		if err := b.app.SetContext(ctx, userID, msg.Text); err != nil {
			b.logger.Error("set context failed", "user_id", userID, "error", err)
			b.reply(msg.Chat.ID, "Не удалось сохранить объект. Попробуйте ещё раз: /new")
			return
		}
		b.reply(msg.Chat.ID, fmt.Sprintf("✅ Объект сохранён: <b>%s</b>\n\nТеперь отправьте фото.", escape(msg.Text)))
	default:
		b.reply(msg.Chat.ID, "Отправьте фото строительного объекта или используйте /help.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		res, err := b.app.RegisterUser(ctx, userID, msg.From.UserName, msg.CommandArguments())
		if err != nil {
			b.logger.Error("registration failed", "user_id", userID, "error", err)
			b.reply(chatID, "Что-то пошло не так. Попробуйте позже.")
			return
		}
		b.reply(chatID, formatStart(res))
	case "new":
		if label := strings.TrimSpace(msg.CommandArguments()); label != "" {
			if err := b.app.SetContext(ctx, userID, label); err != nil {
				b.reply(chatID, "Не удалось сохранить объект. Попробуйте ещё раз: /new")
				return
			}
			b.reply(chatID, fmt.Sprintf("✅ Объект сохранён: <b>%s</b>\n\nТеперь отправьте фото.", escape(label)))
			return
		}
		b.setPendingContext(userID)
		b.reply(chatID, "🏗 Укажите объект и место съёмки одним сообщением.\nНапример: «ЖК Ривер, кв. 17, санузел».")
	case "balance":
		b.sendBalance(ctx, userID, chatID)
	case "table":
		user, ok, err := b.app.GetUser(userID)
		if err != nil {
			b.logger.Error("load user failed", "user_id", userID, "error", err)
			b.reply(chatID, "Что-то пошло не так. Попробуйте позже.")
			return
		}
		if !ok || user.SpreadsheetID == "" {
			b.reply(chatID, "Таблица появится после первого фото с дефектами.")
			return
		}
		b.reply(chatID, fmt.Sprintf("📊 <a href=\"https://docs.google.com/spreadsheets/d/%s/edit\">Ваша таблица дефектов</a>", user.SpreadsheetID))
	case "help":
		b.reply(chatID, helpText)
	case "stats":
		user, ok, err := b.app.GetUser(userID)
		if err != nil || !ok || !user.IsAdmin {
			// Hidden from non-admins.
			b.reply(chatID, "Неизвестная команда. /help")
			return
		}
		stats, err := b.app.Stats()
		if err != nil {
			b.logger.Error("stats query failed", "user_id", userID, "error", err)
			b.reply(chatID, "Не удалось собрать статистику.")
			return
		}
		b.reply(chatID, formatStats(stats))
	default:
		b.reply(chatID, "Неизвестная команда. /help")
	}
}

func (b *Bot) sendBalance(ctx context.Context, userID, chatID int64) {
	user, ok, err := b.app.GetUser(userID)
	if err != nil || !ok {
		res, rerr := b.app.RegisterUser(ctx, userID, "", "")
		if rerr != nil {
			b.logger.Error("load user failed", "user_id", userID, "error", err)
			b.reply(chatID, "Что-то пошло не так. Попробуйте позже.")
			return
		}
		user = res.User
	}

	packages := b.app.Packages()
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(packages)+1)
	for _, p := range packages {
		label := fmt.Sprintf("%s — %d ₽", p.Title, p.Price)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "buy:"+p.Key),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🎁 Пригласить коллегу", "invite"),
	))

	out := tgbotapi.NewMessage(chatID, formatBalance(user, packages))
	out.ParseMode = tgbotapi.ModeHTML
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(out); err != nil {
		b.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	// Largest rendition is last.
	fileID := msg.Photo[len(msg.Photo)-1].FileID
	photo, err := b.downloadFile(ctx, fileID)
	if err != nil {
		b.logger.Error("photo download failed", "user_id", userID, "error", err)
		b.reply(chatID, "Не удалось получить фото из Telegram. Попробуйте ещё раз.")
		return
	}

	progress := tgbotapi.NewMessage(chatID, "🔎 Анализирую фото, это займёт меньше минуты...")
	sent, _ := b.api.Send(progress)

	res, err := b.app.Submit(ctx, app.SubmitRequest{
		UserID:    userID,
		Username:  msg.From.UserName,
		MessageID: msg.MessageID,
		Photo:     photo,
	})
	if sent.MessageID != 0 {
		b.api.Request(tgbotapi.NewDeleteMessage(chatID, sent.MessageID))
	}
	if err != nil {
		b.replySubmitError(chatID, err)
		return
	}
	b.reply(chatID, formatAnalysis(res))
	if res.InviterID != 0 {
		b.reply(res.InviterID, fmt.Sprintf("🎉 Приглашённый вами коллега выполнил первый анализ. Вам начислено +%d анализов!", res.InviterBonus))
	}
}

func (b *Bot) replySubmitError(chatID int64, err error) {
	switch {
	case errors.Is(err, app.ErrDuplicateSubmission):
		// Redelivered update: the first delivery already got its reply.
	case errors.Is(err, app.ErrNoContext):
		b.reply(chatID, "Сначала укажите объект: /new")
	case errors.Is(err, app.ErrNoBalance):
		b.reply(chatID, "💰 Анализы закончились. Пополните баланс: /balance")
	case errors.Is(err, app.ErrAnalysisParse):
		b.reply(chatID, "Не удалось разобрать ответ модели. Анализ не списан, попробуйте отправить фото ещё раз.")
	case errors.Is(err, app.ErrPersistFailed):
		b.reply(chatID, "Не удалось сохранить отчёт. Анализ не списан, попробуйте позже.")
	default:
		b.reply(chatID, "Сервис анализа временно недоступен. Анализ не списан, попробуйте через пару минут.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	b.api.Request(tgbotapi.NewCallback(cq.ID, ""))
	userID := cq.From.ID
	chatID := callbackChatID(cq)
	data := cq.Data

	switch {
	case strings.HasPrefix(data, "buy:"):
		b.handleBuy(ctx, userID, chatID, strings.TrimPrefix(data, "buy:"))
	case strings.HasPrefix(data, "check:"):
		parts := strings.SplitN(strings.TrimPrefix(data, "check:"), ":", 2)
		if len(parts) != 2 {
			return
		}
		b.handleCheckPayment(ctx, chatID, parts[0], parts[1])
	case data == "invite":
		link := fmt.Sprintf("https://t.me/%s?start=ref_%d", b.Username(), userID)
		b.reply(chatID, fmt.Sprintf("🎁 Пригласите коллегу и получите бонусные анализы вам обоим.\n\nВаша ссылка:\n%s", link))
	}
}

func (b *Bot) handleBuy(ctx context.Context, userID, chatID int64, packageKey string) {
	p, err := b.app.InitiatePurchase(ctx, userID, packageKey)
	if err != nil {
		if errors.Is(err, app.ErrUnknownPackage) {
			b.reply(chatID, "Такого пакета нет. /balance")
			return
		}
		b.logger.Error("purchase init failed", "user_id", userID, "error", err)
		b.reply(chatID, "Не удалось создать платёж. Попробуйте позже.")
		return
	}

	text := fmt.Sprintf("💳 <b>%s</b> — %d анализов за %d ₽\n\nОплатите по кнопке, затем нажмите «Проверить оплату».",
		escape(p.Package.Title), p.Package.Credits, p.Package.Price)
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = tgbotapi.ModeHTML
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить", p.PaymentURL)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Проверить оплату", fmt.Sprintf("check:%s:%s", p.OrderID, p.PaymentID))),
	)
	if _, err := b.api.Send(out); err != nil {
		b.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCheckPayment(ctx context.Context, chatID int64, orderID, paymentID string) {
	res, status, err := b.app.CheckPayment(ctx, orderID, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			b.reply(chatID, "Платёж не найден. Начните заново: /balance")
			return
		}
		b.logger.Error("payment check failed", "order_id", orderID, "error", err)
		b.reply(chatID, "Не удалось проверить оплату. Попробуйте через минуту.")
		return
	}
	switch {
	case status == "CONFIRMED" && res.AlreadyConfirmed:
		b.reply(chatID, "Этот платёж уже зачислен. Баланс: /balance")
	case status == "CONFIRMED":
		b.reply(chatID, fmt.Sprintf("✅ Оплата получена! Начислено %d анализов.\n💰 Баланс: %d", res.Credits, res.NewBalance))
	case status == "REJECTED" || status == "CANCELED":
		b.reply(chatID, "Платёж отклонён. Попробуйте снова: /balance")
	default:
		b.reply(chatID, "Оплата ещё не прошла. Подождите минуту и нажмите «Проверить оплату» снова.")
	}
}

// callbackChatID resolves where to answer a callback. The API omits Message
// for callbacks on inaccessible or too-old messages; the bot only runs in
// private chats, so the sender's id is the chat id.
func callbackChatID(cq *tgbotapi.CallbackQuery) int64 {
	if cq.Message != nil && cq.Message.Chat != nil {
		return cq.Message.Chat.ID
	}
	return cq.From.ID
}

// NotifyPayment is called by the webhook path to tell the buyer about a
// confirmed purchase.
func (b *Bot) NotifyPayment(userID int64, credits, newBalance int) {
	b.reply(userID, fmt.Sprintf("✅ Оплата получена! Начислено %d анализов.\n💰 Баланс: %d", credits, newBalance))
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 20<<20))
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) setPendingContext(userID int64) {
	b.mu.Lock()
	b.pendingContext[userID] = true
	b.mu.Unlock()
}

func (b *Bot) takePendingContext(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pendingContext[userID] {
		return false
	}
	delete(b.pendingContext, userID)
	return true
}
