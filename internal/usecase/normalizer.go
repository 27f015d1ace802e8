package usecase

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"ChannelArchiver/internal/domain"
)

// Normalize converts an upstream message into its archived shape. The
// second result is true when the message carries neither text nor media
// and should not be archived.
func Normalize(msg domain.UpstreamMessage) (domain.Record, bool) {
	var text *string
	if msg.Text != nil && strings.TrimSpace(*msg.Text) != "" {
		v := *msg.Text
		text = &v
	}
	if text == nil && msg.Media == nil {
		return domain.Record{}, true
	}

	rec := domain.Record{
		ID:        msg.ID,
		Timestamp: msg.Timestamp.UTC(),
		Text:      text,
		Counters: domain.Counters{
			Views:    copyInt(msg.Views),
			Forwards: copyInt(msg.Forwards),
		},
		Reactions:    make([]domain.Reaction, 0, len(msg.Reactions)),
		MediaPresent: msg.Media != nil,
		Raw:          rawPayload(msg.Payload),
	}
	if msg.EditedAt != nil {
		edited := msg.EditedAt.UTC()
		rec.EditedAt = &edited
	}
	rec.Reactions = append(rec.Reactions, msg.Reactions...)
	if msg.Media != nil && msg.Media.Kind != "" {
		kind := msg.Media.Kind
		rec.MediaKind = &kind
	}
	if msg.Forward != nil {
		origin := *msg.Forward
		if origin.OriginTimestamp != nil {
			ts := origin.OriginTimestamp.UTC()
			origin.OriginTimestamp = &ts
		}
		rec.ForwardedFrom = &origin
	}
	return rec, false
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// rawPayload keeps JSON payloads verbatim and wraps anything else.
func rawPayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	wrapped, err := json.Marshal(struct {
		Encoding string `json:"encoding"`
		Data     string `json:"data"`
	}{"base64", base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return nil
	}
	return wrapped
}
