package telegram

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
)

// chatSink relays one run to the chat: progress edits the message that
// started the run, and the result replaces it.
type chatSink struct {
	bot          *Bot
	chatID       int64
	messageID    int
	packageLabel string

	mu   sync.Mutex
	last schemas.Stage
}

func (s *chatSink) OnStatus(stage schemas.Stage) {
	// Done and Failed are followed at once by the result edit.
	if stage == schemas.StageDone || stage == schemas.StageFailed {
		return
	}
	s.mu.Lock()
	if stage == s.last {
		s.mu.Unlock()
		return
	}
	s.last = stage
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_ = s.bot.edit(ctx, s.chatID, s.messageID, stageText(stage), nil)
}

func (s *chatSink) OnResult(runID string, account *schemas.ProvisionedAccount, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	var text string
	if err != nil {
		text = failureText(err)
	} else {
		text = successText(account, s.packageLabel)
	}
	if editErr := s.bot.edit(ctx, s.chatID, s.messageID, text, nil); editErr != nil {
		// The credentials must reach the requester even if the progress
		// message is gone.
		s.bot.reply(ctx, s.chatID, text, nil)
	}
	s.bot.logger.Debug("Result delivered", zap.String("run_id", runID), zap.Bool("ok", err == nil))
}
