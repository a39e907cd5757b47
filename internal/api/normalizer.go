package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/animahub/bitrixbridge/internal/models"
	"github.com/animahub/bitrixbridge/internal/store"
)

// maxPayloadBytes caps inbound webhook bodies.
const maxPayloadBytes = 1 << 20

// Normalizer flattens the wildly nested payloads Open Lines posts into the
// handful of fields the bridge cares about. Bitrix sends form-encoded bodies
// with bracketed keys; test clients send plain JSON. Both land in the same
// nested map.
type Normalizer struct {
	payload map[string]any
}

// ParsePayload reads the request body into a nested payload map and returns
// the raw bytes for audit logging.
func ParsePayload(r *http.Request) (*Normalizer, []byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read webhook body: %w", err)
	}

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, raw, fmt.Errorf("failed to decode webhook JSON: %w", err)
		}
		return &Normalizer{payload: payload}, raw, nil
	}

	values, err := parseForm(string(raw))
	if err != nil {
		return nil, raw, fmt.Errorf("failed to decode webhook form: %w", err)
	}
	return &Normalizer{payload: expandBrackets(values)}, raw, nil
}

// NewNormalizer wraps an already parsed payload map.
func NewNormalizer(payload map[string]any) *Normalizer {
	return &Normalizer{payload: payload}
}

// Message extracts the inbound chat message. Bitrix nests the fields under
// data.USER and data.PARAMS; flat keys cover simplified test payloads.
func (n *Normalizer) Message() models.InboundMessage {
	return models.InboundMessage{
		UserID:    firstString(n.dig("data", "USER", "ID"), n.payload["userId"]),
		ChatID:    firstString(n.dig("data", "PARAMS", "CHAT_ID"), n.payload["chatId"]),
		DialogID:  firstString(n.dig("data", "PARAMS", "DIALOG_ID"), n.payload["dialogId"]),
		Message:   firstString(n.dig("data", "PARAMS", "MESSAGE"), n.payload["message"]),
		ChannelID: n.botCode(),
	}
}

// Portal resolves the portal hostname that sent the event, stripped of the
// REST endpoint decoration.
func (n *Normalizer) Portal() string {
	portal := firstString(n.dig("auth", "domain"))
	if portal == "" {
		for _, bot := range n.botEntries() {
			if ep := firstString(bot["client_endpoint"]); ep != "" {
				portal = ep
				break
			}
		}
	}
	portal = strings.ReplaceAll(portal, "https://", "")
	portal = strings.ReplaceAll(portal, "/rest/", "")
	return portal
}

// EnsureInstanceComplete backfills bot id and channel code on registered
// instances from the BOT metadata the event carries.
func (n *Normalizer) EnsureInstanceComplete(st store.Store) {
	for _, bot := range n.botEntries() {
		portal := firstString(bot["domain"])
		if portal == "" {
			continue
		}

		inst, err := st.GetInstance(portal)
		if err != nil {
			slog.Error("Normalizer.EnsureInstanceComplete: instance lookup failed", "error", err, "portal", portal)
			continue
		}
		if inst == nil {
			slog.Debug("Normalizer.EnsureInstanceComplete: no instance for portal", "portal", portal)
			continue
		}

		updated := false
		if inst.BotID == 0 {
			if id, err := strconv.ParseInt(firstString(bot["BOT_ID"]), 10, 64); err == nil && id != 0 {
				inst.BotID = id
				updated = true
			}
		}
		if inst.ChannelID == "" {
			if code := firstString(bot["BOT_CODE"]); code != "" {
				inst.ChannelID = code
				updated = true
			}
		}

		if updated {
			if err := st.SaveInstance(inst); err != nil {
				slog.Error("Normalizer.EnsureInstanceComplete: instance save failed", "error", err, "portal", portal)
				continue
			}
			slog.Debug("Normalizer.EnsureInstanceComplete: instance backfilled",
				"portal", portal, "bot_id", inst.BotID, "channel_id", inst.ChannelID)
		}
	}
}

func (n *Normalizer) botCode() string {
	for _, bot := range n.botEntries() {
		if code := firstString(bot["BOT_CODE"]); code != "" {
			return code
		}
	}
	return ""
}

// botEntries returns the BOT metadata blocks in stable key order. Bitrix
// keys the block by bot id, so it arrives as a map rather than a list.
func (n *Normalizer) botEntries() []map[string]any {
	raw := n.dig("data", "BOT")

	switch v := raw.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			if entry, ok := v[k].(map[string]any); ok {
				entries = append(entries, entry)
			}
		}
		return entries
	case []any:
		entries := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if entry, ok := item.(map[string]any); ok {
				entries = append(entries, entry)
			}
		}
		return entries
	}
	return nil
}

func (n *Normalizer) dig(path ...string) any {
	var cur any = n.payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// firstString returns the first non-empty value rendered as a string.
// Numeric ids arrive as JSON numbers and are formatted without exponent.
func firstString(values ...any) string {
	for _, v := range values {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(t, 10)
		case int:
			return strconv.Itoa(t)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

// parseForm splits a urlencoded body into decoded key/value pairs, keeping
// the bracket structure of the keys intact.
func parseForm(body string) (map[string]string, error) {
	values := make(map[string]string)
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		decodedKey, err := url.QueryUnescape(key)
		if err != nil {
			return nil, err
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		values[decodedKey] = decodedValue
	}
	return values, nil
}

// expandBrackets turns PHP-style bracket keys (data[PARAMS][MESSAGE]) into
// a nested map.
func expandBrackets(values map[string]string) map[string]any {
	root := make(map[string]any)
	for key, value := range values {
		segments := splitBracketKey(key)
		node := root
		for i, seg := range segments {
			if i == len(segments)-1 {
				node[seg] = value
				break
			}
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
	}
	return root
}

func splitBracketKey(key string) []string {
	head, rest, found := strings.Cut(key, "[")
	if !found {
		return []string{key}
	}
	segments := []string{head}
	for _, part := range strings.Split(rest, "[") {
		segments = append(segments, strings.TrimSuffix(part, "]"))
	}
	return segments
}
