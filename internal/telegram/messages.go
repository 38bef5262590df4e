package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
)

// Callback data carried by the inline keyboards.
const (
	cbNew        = "new"
	cbStatus     = "status"
	cbCancel     = "cancel"
	cbKindPrefix = "kind:"
	cbPkgPrefix  = "pkg:"
)

const (
	textWelcome = "👋 <b>Panel bot</b>\nCreate trial or permanent accounts on the reseller panel."
	textHelp    = "<b>Commands</b>\n" +
		"/new - create an account\n" +
		"/status - bot status\n" +
		"/cancel - close the open menu\n" +
		"/help - this message\n\n" +
		"A request that already started cannot be cancelled."
	textDenied      = "⛔ Access denied."
	textChooseKind  = "Which kind of account?"
	textCancelled   = "Menu closed. A request that already started keeps running."
	textUnknown     = "I did not understand that. Send /help for the command list."
	textMenuExpired = "This menu is no longer active. Send /new to start again."
	textStarting    = "⏳ Starting..."
)

func mainMenu() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🆕 New account", cbNew),
			tgbotapi.NewInlineKeyboardButtonData("📊 Status", cbStatus),
		),
	)
}

func kindMenu() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🧪 Trial", cbKindPrefix+string(schemas.AccountTrial)),
			tgbotapi.NewInlineKeyboardButtonData("💎 Permanent", cbKindPrefix+string(schemas.AccountPermanent)),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✖ Cancel", cbCancel)),
	)
}

func packageMenu(packages []config.PackageOption) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(packages)+1)
	for _, p := range packages {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(p.Label, cbPkgPrefix+p.ID)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✖ Cancel", cbCancel)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func kindLabel(k schemas.AccountKind) string {
	if k == schemas.AccountTrial {
		return "Trial"
	}
	return "Permanent"
}

func choosePackageText(k schemas.AccountKind) string {
	return fmt.Sprintf("<b>%s</b> account. Which package?", kindLabel(k))
}

func stageText(stage schemas.Stage) string {
	switch stage {
	case schemas.StageAuthenticating:
		return "🔐 Logging in to the panel..."
	case schemas.StageNavigating:
		return "🧭 Opening the account form..."
	case schemas.StageSubmitting:
		return "📝 Creating the account..."
	case schemas.StageDone:
		return "✅ Done, reading the result..."
	case schemas.StageFailed:
		return "⚠️ Something went wrong..."
	}
	return textStarting
}

func successText(a *schemas.ProvisionedAccount, packageLabel string) string {
	var b strings.Builder
	b.WriteString("✅ <b>Account created</b>\n\n")
	fmt.Fprintf(&b, "👤 User: <code>%s</code>\n", html.EscapeString(a.Username))
	fmt.Fprintf(&b, "🔑 Password: <code>%s</code>\n", html.EscapeString(a.Password))
	fmt.Fprintf(&b, "🏷 Type: %s\n", kindLabel(a.Kind))
	fmt.Fprintf(&b, "📦 Package: %s\n", html.EscapeString(packageLabel))
	credits := fmt.Sprintf("%d", a.CreditsLeft)
	if a.CreditsApproximate {
		credits += " (approximate)"
	}
	fmt.Fprintf(&b, "💳 Credits left: %s", credits)
	return b.String()
}

func failureText(err error) string {
	return "❌ " + html.EscapeString(schemas.UserMessage(err))
}

func statusText(uptime time.Duration, allocMiB float64, inFlight int, mine bool) string {
	var b strings.Builder
	b.WriteString("📊 <b>Status</b>\n\n")
	fmt.Fprintf(&b, "⏱ Uptime: %s\n", uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "🧠 Memory: %.1f MiB\n", allocMiB)
	fmt.Fprintf(&b, "⚙️ Runs in progress: %d", inFlight)
	if mine {
		b.WriteString("\n⏳ Your request is still running.")
	}
	return b.String()
}
