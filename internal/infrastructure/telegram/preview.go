package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"ChannelArchiver/internal/domain"
)

const (
	// PreviewName identifies the web preview upstream in the registry.
	PreviewName = "telegram-preview"

	defaultBaseURL    = "https://t.me"
	defaultRetryAfter = 5 * time.Second
	defaultMaxPages   = 10000
)

var mediaSelectors = []struct {
	selector string
	kind     string
}{
	{".tgme_widget_message_photo_wrap", "photo"},
	{".tgme_widget_message_video_player", "video"},
	{".tgme_widget_message_roundvideo_player", "round_video"},
	{".tgme_widget_message_voice_player", "voice"},
	{".tgme_widget_message_audio_player", "audio"},
	{".tgme_widget_message_document_wrap", "document"},
	{".tgme_widget_message_sticker_wrap", "sticker"},
	{".tgme_widget_message_poll", "poll"},
	{".tgme_widget_message_location_wrap", "location"},
}

// PreviewOptions configures a PreviewClient.
type PreviewOptions struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Limiter   *rate.Limiter
	Logger    *slog.Logger
	MaxPages  int
}

// PreviewClient reads channel history from the public web preview
// (https://t.me/s/<channel>), paging with before= and after=.
type PreviewClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	maxPages  int
	policy    *bluemonday.Policy
	markdown  *converter.Converter
}

// NewPreviewClient wires an HTTP client; zero options fall back to defaults.
func NewPreviewClient(opts PreviewOptions) *PreviewClient {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "ChannelArchiver/1.0"
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &PreviewClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    client,
		limiter:   opts.Limiter,
		logger:    logger,
		maxPages:  maxPages,
		policy:    bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Name identifies the strategy inside the registry.
func (p *PreviewClient) Name() string {
	return PreviewName
}

// Fetch pages through the preview until the query is satisfied. Forward
// queries return ascending ids, backward queries descending ids. Messages
// read before a failure are returned together with the error; listings cut
// short by the page cap report domain.ErrTruncated.
func (p *PreviewClient) Fetch(ctx context.Context, source string, q domain.FetchQuery) ([]domain.UpstreamMessage, error) {
	var (
		out    []domain.UpstreamMessage
		cursor int64
	)
	if q.Direction == domain.Forward {
		cursor = q.LowID
	} else {
		cursor = q.HighID
	}

	for page := 0; page < p.maxPages; page++ {
		pageURL, err := buildPageURL(p.baseURL, source, q.Direction, cursor)
		if err != nil {
			return out, err
		}
		doc, err := p.fetchDocument(ctx, pageURL)
		if err != nil {
			return out, err
		}

		msgs := p.extractMessages(doc, source)
		if len(msgs) == 0 {
			return out, nil
		}

		if q.Direction == domain.Forward {
			sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
		} else {
			sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
		}

		progressed := false
		for _, msg := range msgs {
			if q.Direction == domain.Forward && msg.ID <= cursor {
				continue
			}
			if q.Direction == domain.Backward && cursor > 0 && msg.ID >= cursor {
				continue
			}
			progressed = true
			if !q.Contains(msg.ID) {
				continue
			}
			out = append(out, msg)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
		if !progressed {
			if q.Direction == domain.Backward {
				return out, fmt.Errorf("%w: page before %d made no progress", domain.ErrTruncated, cursor)
			}
			return out, nil
		}

		edge := msgs[len(msgs)-1].ID
		if q.Direction == domain.Forward {
			if q.HighID > 0 && edge >= q.HighID-1 {
				return out, nil
			}
		} else if edge <= 1 || edge <= q.LowID+1 {
			return out, nil
		}
		cursor = edge
	}

	p.logger.Warn("page limit reached", "source", source, "pages", p.maxPages)
	return out, fmt.Errorf("%w: page limit %d reached", domain.ErrTruncated, p.maxPages)
}

func buildPageURL(baseURL, channel string, direction domain.Direction, cursor int64) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath("s", channel)
	if cursor > 0 {
		q := u.Query()
		if direction == domain.Forward {
			q.Set("after", strconv.FormatInt(cursor, 10))
		} else {
			q.Set("before", strconv.FormatInt(cursor, 10))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (p *PreviewClient) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.RateLimitedError{Wait: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("preview returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	return defaultRetryAfter
}

func (p *PreviewClient) extractMessages(doc *goquery.Document, channel string) []domain.UpstreamMessage {
	var msgs []domain.UpstreamMessage
	doc.Find("div.tgme_widget_message[data-post]").Each(func(_ int, sel *goquery.Selection) {
		msg, err := p.parseMessage(sel)
		if err != nil {
			p.logger.Debug("message skipped", "source", channel, "error", err)
			return
		}
		msgs = append(msgs, msg)
	})
	return msgs
}

func (p *PreviewClient) parseMessage(sel *goquery.Selection) (domain.UpstreamMessage, error) {
	post, _ := sel.Attr("data-post")
	id, err := postID(post)
	if err != nil {
		return domain.UpstreamMessage{}, err
	}

	msg := domain.UpstreamMessage{ID: id}
	if dt, ok := sel.Find(".tgme_widget_message_date time").First().Attr("datetime"); ok {
		if ts, err := time.Parse(time.RFC3339, dt); err == nil {
			msg.Timestamp = ts.UTC()
		}
	}

	html, _ := goquery.OuterHtml(sel)
	edited := strings.Contains(strings.ToLower(sel.Find(".tgme_widget_message_meta").First().Text()), "edited")
	msg.Payload, _ = json.Marshal(struct {
		Post   string `json:"post"`
		Edited bool   `json:"edited,omitempty"`
		HTML   string `json:"html"`
	}{post, edited, html})

	if sel.HasClass("service_message") {
		return msg, nil
	}

	if text := p.messageText(sel); text != "" {
		msg.Text = &text
	}
	if views, ok := parseCount(sel.Find(".tgme_widget_message_views").First().Text()); ok {
		msg.Views = &views
	}
	for _, m := range mediaSelectors {
		if sel.Find(m.selector).Length() > 0 {
			msg.Media = &domain.Media{Kind: m.kind}
			break
		}
	}
	if from := sel.Find(".tgme_widget_message_forwarded_from_name").First(); from.Length() > 0 {
		origin := &domain.ForwardOrigin{}
		if name := strings.TrimSpace(from.Text()); name != "" {
			origin.OriginName = &name
		}
		if href, ok := from.Attr("href"); ok && href != "" {
			origin.OriginID = &href
		}
		msg.Forward = origin
	}
	sel.Find(".tgme_reaction").Each(func(_ int, r *goquery.Selection) {
		label := strings.TrimSpace(r.Find(".emoji").First().Text())
		countText := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(r.Text()), label))
		count, ok := parseCount(countText)
		if label == "" || !ok {
			return
		}
		msg.Reactions = append(msg.Reactions, domain.Reaction{Label: label, Count: count})
	})
	return msg, nil
}

// messageText converts the message body, ignoring quoted replies, to
// markdown.
func (p *PreviewClient) messageText(sel *goquery.Selection) string {
	var body *goquery.Selection
	sel.Find(".tgme_widget_message_text").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.ParentsFiltered(".tgme_widget_message_reply").Length() > 0 {
			return true
		}
		body = s
		return false
	})
	if body == nil {
		return ""
	}
	inner, err := body.Html()
	if err != nil {
		return strings.TrimSpace(body.Text())
	}
	clean := p.policy.Sanitize(inner)
	text, err := p.markdown.ConvertString(clean)
	if err != nil {
		return strings.TrimSpace(body.Text())
	}
	return strings.TrimSpace(text)
}

func postID(post string) (int64, error) {
	idx := strings.LastIndex(post, "/")
	if idx < 0 || idx == len(post)-1 {
		return 0, fmt.Errorf("malformed data-post %q", post)
	}
	id, err := strconv.ParseInt(post[idx+1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("malformed data-post %q", post)
	}
	return id, nil
}

var errNoCount = errors.New("no count")

// parseCount reads counters such as "532", "1.2K" or "3M".
func parseCount(text string) (int64, bool) {
	n, err := parseSuffixed(strings.TrimSpace(text))
	return n, err == nil
}

func parseSuffixed(text string) (int64, error) {
	if text == "" {
		return 0, errNoCount
	}
	mult := 1.0
	switch last := text[len(text)-1]; last {
	case 'K', 'k':
		mult = 1e3
	case 'M', 'm':
		mult = 1e6
	case 'B', 'b':
		mult = 1e9
	}
	if mult != 1 {
		text = text[:len(text)-1]
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", ""), 64)
	if err != nil || v < 0 {
		return 0, errNoCount
	}
	return int64(math.Round(v * mult)), nil
}
