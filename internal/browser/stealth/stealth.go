// Package stealth makes a headless Chromium tab look like an ordinary
// desktop browser to the panel.
package stealth

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona is the browser profile presented to the panel.
type Persona struct {
	UserAgent string   `json:"userAgent"`
	Platform  string   `json:"platform"`
	Languages []string `json:"languages"`
	Timezone  string   `json:"-"`
	Locale    string   `json:"-"`
}

// DefaultPersona is a current desktop Chrome on Windows.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
}

// PersonaFrom layers the browser settings over DefaultPersona.
func PersonaFrom(cfg config.BrowserConfig) Persona {
	p := DefaultPersona
	p.Languages = append([]string(nil), DefaultPersona.Languages...)
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
		base, _, _ := strings.Cut(cfg.Locale, "-")
		p.Languages = []string{cfg.Locale}
		if base != cfg.Locale {
			p.Languages = append(p.Languages, base)
		}
	}
	p.Timezone = cfg.Timezone
	return p
}

// AcceptLanguage renders Languages with descending quality values.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Script is the evasion script with the persona bound in.
func (p Persona) Script() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding persona: %w", err)
	}
	return fmt.Sprintf("(function(persona){%s})(%s);", evasionsScript, data), nil
}

// Apply builds the CDP actions that install p on a tab. They must run
// before the first navigation to cover the login page.
func Apply(p Persona, logger *zap.Logger) (chromedp.Tasks, error) {
	script, err := p.Script()
	if err != nil {
		return nil, err
	}
	logger.Debug("Applying browser persona",
		zap.String("user_agent", p.UserAgent),
		zap.String("locale", p.Locale),
		zap.String("timezone", p.Timezone),
	)

	ua := emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform)
	if lang := p.AcceptLanguage(); lang != "" {
		ua = ua.WithAcceptLanguage(lang)
	}
	tasks := chromedp.Tasks{
		ua,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if lang := p.AcceptLanguage(); lang != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": lang}))
	}
	return tasks, nil
}
