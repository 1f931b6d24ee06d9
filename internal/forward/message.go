package forward

import (
	"strconv"
	"strings"
	"time"

	"notifyfwd/internal/notification"
)

const (
	// AuthorName is shown as the embed author of every forwarded message.
	AuthorName = "Alliance Auth Notification"
	// MaxBodyLength is the chat platform's embed description limit, in characters.
	MaxBodyLength = 2048

	authorIconPath = "icons/apple-touch-icon.png"
)

type Author struct {
	Name    string
	IconURL string
}

// OutboundMessage is the rich message sent to the relay.
type OutboundMessage struct {
	Author    Author
	Title     string
	URL       string
	Body      string
	Color     *int32 // nil when the severity has no color
	Timestamp string
	Footer    string
}

var severityColors = map[notification.Severity]int32{
	notification.SeverityInfo:    0x5BC0DE,
	notification.SeveritySuccess: 0x5CB85C,
	notification.SeverityWarning: 0xF0AD4E,
	notification.SeverityDanger:  0xD9534F,
}

// SeverityColor returns the embed color for sev, or nil for unknown levels.
func SeverityColor(sev notification.Severity) *int32 {
	c, ok := severityColors[sev]
	if !ok {
		return nil
	}
	return &c
}

// URLResolver turns site paths into absolute links.
type URLResolver interface {
	NotificationURL(id int64) string
	StaticURL(path string) string
}

// SiteURLs resolves links against the configured site roots.
type SiteURLs struct {
	BaseURL    string
	StaticRoot string
}

func (u SiteURLs) NotificationURL(id int64) string {
	return strings.TrimRight(u.BaseURL, "/") + "/notifications/" + strconv.FormatInt(id, 10) + "/"
}

func (u SiteURLs) StaticURL(path string) string {
	root := u.StaticRoot
	if root == "" {
		root = strings.TrimRight(u.BaseURL, "/") + "/static/"
	}
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(path, "/")
}

// Builder renders notifications into outbound messages. It does no I/O.
type Builder struct {
	settings *Settings
}

func NewBuilder(settings *Settings) *Builder {
	return &Builder{settings: settings}
}

func (b *Builder) Build(n notification.Notification) OutboundMessage {
	cfg := b.settings.Load()
	urls := SiteURLs{BaseURL: cfg.BaseURL, StaticRoot: cfg.StaticURL}
	return BuildMessage(n, urls, cfg.SiteName)
}

// BuildMessage is the pure form of Builder.Build.
func BuildMessage(n notification.Notification, urls URLResolver, siteName string) OutboundMessage {
	return OutboundMessage{
		Author: Author{
			Name:    AuthorName,
			IconURL: urls.StaticURL(authorIconPath),
		},
		Title:     n.Title,
		URL:       urls.NotificationURL(n.ID),
		Body:      truncate(n.Body, MaxBodyLength),
		Color:     SeverityColor(n.Severity),
		Timestamp: n.CreatedAt.Format(time.RFC3339Nano),
		Footer:    siteName,
	}
}

// truncate cuts s to at most n characters. No ellipsis is added.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
