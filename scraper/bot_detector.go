package scraper

import (
	"regexp"
	"strings"
)

// Block kinds reported by BotDetector.
const (
	BlockCaptcha   = "captcha"
	BlockHTTPError = "http_error"
	BlockBotWall   = "bot_wall"
)

// botWallThreshold is the score above which a page counts as blocked.
const botWallThreshold = 0.5

// BotDetector recognizes bot walls and CAPTCHA interstitials in the visible
// text of a page that produced no offers.
type BotDetector struct {
	botPatterns     []*regexp.Regexp
	captchaPatterns []*regexp.Regexp
	blockPatterns   []*regexp.Regexp
}

// BotVerdict is the outcome of inspecting one page.
type BotVerdict struct {
	Blocked bool
	Kind    string
	Score   float64
	Reasons []string
}

// NewBotDetector creates a detector with the built-in pattern set.
func NewBotDetector() *BotDetector {
	return &BotDetector{
		botPatterns: compileAll(
			`unfortunately we are unable`,
			`access denied`,
			`bot detected`,
			`please verify you are (a )?human`,
			`security check`,
			`checking your browser`,
			`ddos protection`,
			`too many requests`,
			`unusual traffic`,
			`enable (javascript|cookies) to continue`,
		),
		captchaPatterns: compileAll(
			`captcha`,
			`recaptcha`,
			`hcaptcha`,
			`turnstile`,
			`select all images`,
			`click the checkbox`,
		),
		blockPatterns: compileAll(
			`403 forbidden`,
			`429 too many requests`,
			`503 service unavailable`,
			`site temporarily unavailable`,
		),
	}
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Inspect scores the page text and title for blocking signals.
func (bd *BotDetector) Inspect(text, title string) BotVerdict {
	content := strings.ToLower(title + " " + text)
	var v BotVerdict

	for _, p := range bd.captchaPatterns {
		if p.MatchString(content) {
			v.Score += 0.5
			v.Reasons = append(v.Reasons, "captcha: "+p.String())
			if v.Kind == "" {
				v.Kind = BlockCaptcha
			}
		}
	}
	for _, p := range bd.blockPatterns {
		if p.MatchString(content) {
			v.Score += 0.4
			v.Reasons = append(v.Reasons, "http error: "+p.String())
			if v.Kind == "" {
				v.Kind = BlockHTTPError
			}
		}
	}
	for _, p := range bd.botPatterns {
		if p.MatchString(content) {
			v.Score += 0.3
			v.Reasons = append(v.Reasons, p.String())
		}
	}

	// interstitials are short
	if v.Score > 0 && len(strings.TrimSpace(text)) < 1000 {
		v.Score += 0.2
		v.Reasons = append(v.Reasons, "short page with bot indicators")
	}

	if v.Score > 1 {
		v.Score = 1
	}
	v.Blocked = v.Score > botWallThreshold
	if v.Blocked && v.Kind == "" {
		v.Kind = BlockBotWall
	}
	return v
}
