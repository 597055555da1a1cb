package notification

import (
	"context"
	"fmt"
	"strings"
)

// TelegramNotifier sends alerts through the Bot API sendMessage method.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	p       poster
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		p:       newPoster("telegram"),
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return t.p.post(ctx, url, map[string]any{
		"chat_id":                  t.chatID,
		"text":                     telegramText(alert),
		"parse_mode":               "MarkdownV2",
		"disable_web_page_preview": true,
	})
}

// telegramText renders signals as "*BUY* instrument interval" followed by
// the close and score. Other alerts get a level tag and a bold title.
func telegramText(a Alert) string {
	if c := a.Signal; c != nil {
		return fmt.Sprintf("*%s* %s %s\nclose %s  score %s\n_%s_",
			escapeMarkdown(string(c.Action)),
			escapeMarkdown(c.Instrument),
			escapeMarkdown(string(c.Interval)),
			escapeMarkdown(fmt.Sprintf("%.4f", c.Close)),
			escapeMarkdown(fmt.Sprintf("%+.2f", c.Score)),
			escapeMarkdown(c.TS.UTC().Format("2006-01-02 15:04 MST")))
	}
	return fmt.Sprintf("\\[%s\\] *%s*\n\n%s", a.Level, escapeMarkdown(a.Title), escapeMarkdown(a.Message))
}

var markdownV2 = strings.NewReplacer(
	`_`, `\_`, `*`, `\*`, `[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`,
	`~`, `\~`, "`", "\\`", `>`, `\>`, `#`, `\#`, `+`, `\+`, `-`, `\-`,
	`=`, `\=`, `|`, `\|`, `{`, `\{`, `}`, `\}`, `.`, `\.`, `!`, `\!`,
)

func escapeMarkdown(s string) string { return markdownV2.Replace(s) }
