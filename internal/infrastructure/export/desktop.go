package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"ChannelArchiver/internal/domain"
)

// DesktopName identifies the desktop export upstream in the registry.
const DesktopName = "desktop-export"

const exportFilename = "result.json"

// DesktopExport replays a Telegram Desktop "Export chat history" dump laid
// out as <dir>/<source>/result.json.
type DesktopExport struct {
	dir    string
	logger *slog.Logger
}

// NewDesktopExport builds an upstream reading exports under dir.
func NewDesktopExport(dir string, logger *slog.Logger) *DesktopExport {
	if logger == nil {
		logger = slog.Default()
	}
	return &DesktopExport{dir: dir, logger: logger}
}

// Name identifies the strategy inside the registry.
func (d *DesktopExport) Name() string {
	return DesktopName
}

type exportFile struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Messages []json.RawMessage `json:"messages"`
}

type exportMessage struct {
	ID              int64            `json:"id"`
	Type            string           `json:"type"`
	Date            string           `json:"date"`
	DateUnix        string           `json:"date_unixtime"`
	Edited          string           `json:"edited"`
	EditedUnix      string           `json:"edited_unixtime"`
	Text            exportText       `json:"text"`
	Photo           string           `json:"photo"`
	File            string           `json:"file"`
	MediaType       string           `json:"media_type"`
	Poll            json.RawMessage  `json:"poll"`
	LocationInfo    json.RawMessage  `json:"location_information"`
	ForwardedFrom   *string          `json:"forwarded_from"`
	ForwardedFromID *string          `json:"forwarded_from_id"`
	Views           *int64           `json:"views"`
	Forwards        *int64           `json:"forwards"`
	Reactions       []exportReaction `json:"reactions"`

	raw json.RawMessage
}

type exportReaction struct {
	Type       string `json:"type"`
	Count      int64  `json:"count"`
	Emoji      string `json:"emoji"`
	DocumentID string `json:"document_id"`
}

// exportText is either a plain string or a list of strings and entity
// objects carrying a "text" field.
type exportText string

func (t *exportText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = exportText(s)
		return nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("text: %w", err)
	}
	var b strings.Builder
	for _, part := range parts {
		var s string
		if err := json.Unmarshal(part, &s); err == nil {
			b.WriteString(s)
			continue
		}
		var entity struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(part, &entity); err != nil {
			return fmt.Errorf("text entity: %w", err)
		}
		b.WriteString(entity.Text)
	}
	*t = exportText(b.String())
	return nil
}

// Fetch reads the export of source and returns the messages inside the
// query bounds, ascending for forward and descending for backward queries.
func (d *DesktopExport) Fetch(ctx context.Context, source string, q domain.FetchQuery) ([]domain.UpstreamMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exported, err := d.load(source)
	if err != nil {
		return nil, err
	}

	msgs := make([]domain.UpstreamMessage, 0, len(exported))
	for _, em := range exported {
		if em.ID <= 0 || !q.Contains(em.ID) {
			continue
		}
		msgs = append(msgs, d.convert(source, em))
	}

	if q.Direction == domain.Forward {
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	} else {
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	}
	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[:q.Limit]
	}
	return msgs, nil
}

func (d *DesktopExport) load(source string) ([]exportMessage, error) {
	path := filepath.Join(d.dir, source, exportFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export %s: %w", source, err)
	}

	var file exportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: export %s: %v", domain.ErrCorruptState, source, err)
	}

	msgs := make([]exportMessage, 0, len(file.Messages))
	for _, raw := range file.Messages {
		var em exportMessage
		if err := json.Unmarshal(raw, &em); err != nil {
			d.logger.Warn("export message unreadable", "source", source, "error", err)
			continue
		}
		em.raw = raw
		msgs = append(msgs, em)
	}
	return msgs, nil
}

func (d *DesktopExport) convert(source string, em exportMessage) domain.UpstreamMessage {
	msg := domain.UpstreamMessage{
		ID:        em.ID,
		Timestamp: exportTime(em.DateUnix, em.Date),
		Payload:   []byte(em.raw),
	}
	if em.Edited != "" || em.EditedUnix != "" {
		edited := exportTime(em.EditedUnix, em.Edited)
		if !edited.IsZero() {
			msg.EditedAt = &edited
		}
	}
	if em.Type != "message" {
		d.logger.Debug("service message", "source", source, "id", em.ID, "type", em.Type)
		return msg
	}

	if text := string(em.Text); strings.TrimSpace(text) != "" {
		msg.Text = &text
	}
	msg.Views = em.Views
	msg.Forwards = em.Forwards

	switch {
	case em.Photo != "":
		msg.Media = &domain.Media{Kind: "photo"}
	case em.MediaType != "":
		msg.Media = &domain.Media{Kind: em.MediaType}
	case em.File != "":
		msg.Media = &domain.Media{Kind: "document"}
	case len(em.Poll) > 0:
		msg.Media = &domain.Media{Kind: "poll"}
	case len(em.LocationInfo) > 0:
		msg.Media = &domain.Media{Kind: "location"}
	}

	if em.ForwardedFrom != nil || em.ForwardedFromID != nil {
		msg.Forward = &domain.ForwardOrigin{OriginName: em.ForwardedFrom, OriginID: em.ForwardedFromID}
	}
	for _, r := range em.Reactions {
		label := r.Emoji
		if label == "" {
			label = r.DocumentID
		}
		if label == "" {
			label = r.Type
		}
		msg.Reactions = append(msg.Reactions, domain.Reaction{Label: label, Count: r.Count})
	}
	return msg
}

// exportTime prefers the unix timestamp; the local "date" field carries
// no zone and is read as UTC.
func exportTime(unix, local string) time.Time {
	if unix != "" {
		if secs, err := strconv.ParseInt(unix, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	if local != "" {
		if ts, err := time.Parse("2006-01-02T15:04:05", local); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
