package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/service"
)

const (
	menuTTL     = 15 * time.Minute
	sendTimeout = 30 * time.Second
)

// BotAPI is the slice of the Telegram client the bot uses.
// *tgbotapi.BotAPI satisfies it.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Provisioner is what the bot needs from the provisioning service.
type Provisioner interface {
	Submit(ctx context.Context, req schemas.ProvisioningRequest, sink service.ResultSink) (string, error)
	InFlight() int
	Busy(requesterID int64) bool
}

// Connect authenticates against the Bot API and routes the client's own
// logging through zap.
func Connect(token string, logger *zap.Logger) (*tgbotapi.BotAPI, error) {
	if err := tgbotapi.SetLogger(zap.NewStdLog(logger.Named("tgbotapi"))); err != nil {
		return nil, fmt.Errorf("failed to set telegram logger: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	logger.Info("Connected to Telegram", zap.String("bot", api.Self.UserName))
	return api, nil
}

// Bot is the chat front-end: an allow-listed menu that turns button presses
// into provisioning requests and relays progress and results back.
type Bot struct {
	api      BotAPI
	prov     Provisioner
	cfg      config.TelegramConfig
	allowed  map[int64]struct{}
	packages map[string]string
	states   *StateStore
	limiter  *rate.Limiter
	logger   *zap.Logger
	started  time.Time
	now      func() time.Time
}

func New(api BotAPI, prov Provisioner, cfg config.TelegramConfig, logger *zap.Logger) *Bot {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	packages := make(map[string]string, len(cfg.Packages))
	for _, p := range cfg.Packages {
		packages[p.ID] = p.Label
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Bot{
		api:      api,
		prov:     prov,
		cfg:      cfg,
		allowed:  allowed,
		packages: packages,
		states:   NewStateStore(menuTTL),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.Named("telegram"),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Run registers the command list and processes updates until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	b.registerCommands(ctx)

	ucfg := tgbotapi.NewUpdate(0)
	ucfg.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(ucfg)
	b.logger.Info("Listening for updates", zap.Int("allowed_users", len(b.allowed)))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("Stopped receiving updates")
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) registerCommands(ctx context.Context) {
	cmds := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "new", Description: "Create an account"},
		tgbotapi.BotCommand{Command: "status", Description: "Bot status"},
		tgbotapi.BotCommand{Command: "cancel", Description: "Close the open menu"},
		tgbotapi.BotCommand{Command: "help", Description: "Command list"},
	)
	if err := b.request(ctx, cmds); err != nil {
		b.logger.Warn("Failed to register bot commands", zap.Error(err))
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic while handling update", zap.Int("update_id", update.UpdateID), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) isAllowed(u *tgbotapi.User) bool {
	if u == nil {
		return false
	}
	_, ok := b.allowed[u.ID]
	return ok
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	if !b.isAllowed(msg.From) {
		b.logger.Warn("Rejected message from unlisted user", zap.Int64("chat_id", chatID))
		b.reply(ctx, chatID, textDenied, nil)
		return
	}
	if !msg.IsCommand() {
		b.reply(ctx, chatID, textUnknown, nil)
		return
	}

	switch msg.Command() {
	case "start":
		b.states.Clear(chatID)
		menu := mainMenu()
		b.reply(ctx, chatID, textWelcome, &menu)
	case "new":
		b.startMenu(ctx, chatID, msg.From.ID)
	case "status":
		b.reply(ctx, chatID, b.statusText(msg.From.ID), nil)
	case "cancel":
		b.states.Clear(chatID)
		b.reply(ctx, chatID, textCancelled, nil)
	case "help":
		b.reply(ctx, chatID, textHelp, nil)
	default:
		b.reply(ctx, chatID, textUnknown, nil)
	}
}

func (b *Bot) startMenu(ctx context.Context, chatID, userID int64) {
	if b.prov.Busy(userID) {
		b.reply(ctx, chatID, "⏳ "+schemas.UserMessage(schemas.ErrCodeAlreadyInProgress), nil)
		return
	}
	b.states.Set(chatID, MenuState{Step: MenuChoosingKind})
	menu := kindMenu()
	b.reply(ctx, chatID, textChooseKind, &menu)
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if !b.isAllowed(cq.From) {
		b.answer(ctx, cq.ID, textDenied)
		return
	}
	b.answer(ctx, cq.ID, "")
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	chatID, msgID := cq.Message.Chat.ID, cq.Message.MessageID

	switch data := cq.Data; {
	case data == cbNew:
		b.startMenu(ctx, chatID, cq.From.ID)
	case data == cbStatus:
		b.reply(ctx, chatID, b.statusText(cq.From.ID), nil)
	case data == cbCancel:
		b.states.Clear(chatID)
		b.edit(ctx, chatID, msgID, textCancelled, nil)
	case strings.HasPrefix(data, cbKindPrefix):
		kind := schemas.AccountKind(strings.TrimPrefix(data, cbKindPrefix))
		if b.states.Get(chatID).Step != MenuChoosingKind || !kind.Valid() {
			b.edit(ctx, chatID, msgID, textMenuExpired, nil)
			return
		}
		b.states.Set(chatID, MenuState{Step: MenuChoosingPackage, Kind: kind})
		menu := packageMenu(b.cfg.Packages)
		b.edit(ctx, chatID, msgID, choosePackageText(kind), &menu)
	case strings.HasPrefix(data, cbPkgPrefix):
		b.choosePackage(ctx, cq, strings.TrimPrefix(data, cbPkgPrefix))
	default:
		b.logger.Debug("Ignoring unknown callback", zap.String("data", data))
	}
}

func (b *Bot) choosePackage(ctx context.Context, cq *tgbotapi.CallbackQuery, packageID string) {
	chatID, msgID := cq.Message.Chat.ID, cq.Message.MessageID
	st := b.states.Get(chatID)
	label, known := b.packages[packageID]
	if st.Step != MenuChoosingPackage || !known {
		b.states.Clear(chatID)
		b.edit(ctx, chatID, msgID, textMenuExpired, nil)
		return
	}
	b.states.Clear(chatID)

	req := schemas.ProvisioningRequest{RequesterID: cq.From.ID, Kind: st.Kind, PackageID: packageID}
	b.edit(ctx, chatID, msgID, textStarting, nil)

	sink := &chatSink{bot: b, chatID: chatID, messageID: msgID, packageLabel: label}
	runID, err := b.prov.Submit(ctx, req, sink)
	if err != nil {
		b.logger.Info("Request not started", zap.Int64("requester_id", req.RequesterID), zap.String("code", string(schemas.CodeOf(err))))
		b.edit(ctx, chatID, msgID, failureText(err), nil)
		return
	}
	b.logger.Info("Provisioning started",
		zap.String("run_id", runID),
		zap.Int64("requester_id", req.RequesterID),
		zap.String("kind", string(req.Kind)),
		zap.String("package_id", packageID),
	)
}

func (b *Bot) statusText(userID int64) string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return statusText(b.now().Sub(b.started), float64(mem.Alloc)/(1<<20), b.prov.InFlight(), b.prov.Busy(userID))
}

// -- outbound, rate limited --

func (b *Bot) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return nil
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := b.wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	return b.api.Send(c)
}

func (b *Bot) request(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(c)
	return err
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	if _, err := b.send(ctx, msg); err != nil {
		b.logger.Warn("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) edit(ctx context.Context, chatID int64, msgID int, text string, markup *tgbotapi.InlineKeyboardMarkup) error {
	e := tgbotapi.NewEditMessageText(chatID, msgID, text)
	e.ParseMode = tgbotapi.ModeHTML
	e.ReplyMarkup = markup
	err := b.request(ctx, e)
	if err != nil {
		b.logger.Warn("Failed to edit message", zap.Int64("chat_id", chatID), zap.Int("message_id", msgID), zap.Error(err))
	}
	return err
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if err := b.request(ctx, tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Debug("Failed to answer callback", zap.Error(err))
	}
}
