package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/models"
)

// Notifier is told about runs that reached a terminal stage.
type Notifier interface {
	Notify(ctx context.Context, run models.PipelineRun) error
}

type Nop struct{}

func (Nop) Notify(ctx context.Context, run models.PipelineRun) error {
	return nil
}

// StatusProvider lists the registry for the /status command.
type StatusProvider interface {
	List(ctx context.Context) ([]models.TagRegistryEntry, error)
}

type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	status StatusProvider
	logger *zap.Logger
}

func NewTelegram(conf *config.Config, status StatusProvider, logger *zap.Logger) (*Telegram, error) {
	return NewTelegramWithEndpoint(conf, tgbotapi.APIEndpoint, status, logger)
}

func NewTelegramWithEndpoint(conf *config.Config, endpoint string, status StatusProvider, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(conf.Telegram.BotToken, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create telegram bot")
	}
	return &Telegram{
		bot:    bot,
		chatID: conf.Telegram.ChatID,
		status: status,
		logger: logger.Named("telegram"),
	}, nil
}

// New returns the telegram notifier when a bot token is configured. Telegram
// being unreachable at startup only disables notifications.
func New(conf *config.Config, status StatusProvider, logger *zap.Logger) Notifier {
	return newWithEndpoint(conf, tgbotapi.APIEndpoint, status, logger)
}

func newWithEndpoint(conf *config.Config, endpoint string, status StatusProvider, logger *zap.Logger) Notifier {
	if conf.Telegram.BotToken == "" {
		return Nop{}
	}
	bot, err := NewTelegramWithEndpoint(conf, endpoint, status, logger)
	if err != nil {
		logger.Warn("Telegram notifications are disabled", zap.Error(err))
		return Nop{}
	}
	return bot
}

func Message(run models.PipelineRun) string {
	switch run.Stage {
	case models.StageDone:
		return fmt.Sprintf("✅ %s: codesigned and attested", run.Tag.Name)
	case models.StageFailed:
		return fmt.Sprintf("❌ %s failed: %s", run.Tag.Name, run.Error)
	}
	return fmt.Sprintf("%s: %s", run.Tag.Name, run.Stage)
}

func (t *Telegram) Notify(ctx context.Context, run models.PipelineRun) error {
	if t.chatID == 0 {
		return nil
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, Message(run))); err != nil {
		return errors.Wrapf(err, "Failed to notify about %s", run.Tag.Name)
	}
	return nil
}

// Run answers /status in the configured chat until ctx is done.
func (t *Telegram) Run(ctx context.Context) {
	t.logger.Info("Authorized on account", zap.String("username", t.bot.Self.UserName))

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case update := <-updates:
			if err := t.handleUpdate(ctx, update); err != nil {
				t.logger.Error("Failed to handle update", zap.Error(err), zap.Int("update_id", update.UpdateID))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Telegram) statusText(ctx context.Context) string {
	entries, err := t.status.List(ctx)
	if err != nil {
		t.logger.Error("Failed to list registry", zap.Error(err))
		return "Failed to read the registry, try again later"
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Scheduled {
			continue
		}
		line := fmt.Sprintf("%s: %s", entry.Tag, entry.Stage)
		if entry.Error != "" && !entry.Completed {
			line += " (" + entry.Error + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "No tags scheduled"
	}
	return strings.Join(lines, "\n")
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}
	if update.Message.Chat == nil || update.Message.Chat.ID != t.chatID {
		return nil
	}
	if update.Message.Command() != "status" {
		return nil
	}
	t.logger.Debug("Got status command", zap.Int64("chat_id", t.chatID))

	msg := tgbotapi.NewMessage(update.Message.Chat.ID, t.statusText(ctx))
	msg.ReplyToMessageID = update.Message.MessageID
	_, err := t.bot.Send(msg)
	return err
}
