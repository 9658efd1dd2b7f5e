// Package message defines the wire-level record delivered through the bus
// and its backend encoding.
package message

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Separator used to encode a site-scoped channel's stored name: the public
// channel name plus the site id, joined by Sep. Publishing a channel that
// already contains Sep is rejected by the bus.
const Sep = "$|$"

const pipeEscapeOpen = "$$"

// Message is the immutable record carried end to end: backend -> firehose ->
// bus -> client. GlobalID and ID are both 1-based monotonic counters; ID is
// scoped to Channel, GlobalID is scoped to the whole backend.
type Message struct {
	GlobalID  int64    `json:"global_id"`
	ID        int64    `json:"message_id"`
	Channel   string   `json:"channel"`
	Data      json.RawMessage `json:"data"`
	UserIDs   []int64  `json:"user_ids,omitempty"`
	GroupIDs  []int64  `json:"group_ids,omitempty"`
	ClientIDs []string `json:"client_ids,omitempty"`
	SiteID    string   `json:"-"`
}

// Payload is what gets JSON-encoded into Message.Data by a publisher that
// wants to carry targeting metadata alongside the raw payload: a
// {data, user_ids, group_ids, client_ids} envelope.
type Payload struct {
	Data      json.RawMessage `json:"data"`
	UserIDs   []int64         `json:"user_ids,omitempty"`
	GroupIDs  []int64         `json:"group_ids,omitempty"`
	ClientIDs []string        `json:"client_ids,omitempty"`
}

// EscapeChannel replaces pipe characters in a channel name with the
// $$<codepoint>$$ escape so the channel can be embedded in the pipe-delimited
// wire encoding without ambiguity.
func EscapeChannel(channel string) string {
	if !strings.ContainsRune(channel, '|') {
		return channel
	}
	var b strings.Builder
	b.Grow(len(channel) + 8)
	for _, r := range channel {
		if r == '|' {
			b.WriteString(pipeEscapeOpen)
			b.WriteString(strconv.Itoa('|'))
			b.WriteString(pipeEscapeOpen)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnescapeChannel reverses EscapeChannel.
func UnescapeChannel(channel string) string {
	if !strings.Contains(channel, pipeEscapeOpen) {
		return channel
	}
	var b strings.Builder
	b.Grow(len(channel))
	for i := 0; i < len(channel); {
		if strings.HasPrefix(channel[i:], pipeEscapeOpen) {
			rest := channel[i+len(pipeEscapeOpen):]
			end := strings.Index(rest, pipeEscapeOpen)
			if end >= 0 {
				if code, err := strconv.Atoi(rest[:end]); err == nil {
					b.WriteRune(rune(code))
					i += len(pipeEscapeOpen) + end + len(pipeEscapeOpen)
					continue
				}
			}
		}
		b.WriteByte(channel[i])
		i++
	}
	return b.String()
}

// Encode produces the backend wire format:
// "<global_id>|<message_id>|<channel-with-pipes-escaped>|<payload>"
func Encode(globalID, id int64, channel string, payload []byte) string {
	var b strings.Builder
	b.Grow(len(channel) + len(payload) + 24)
	b.WriteString(strconv.FormatInt(globalID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(id, 10))
	b.WriteByte('|')
	b.WriteString(EscapeChannel(channel))
	b.WriteByte('|')
	b.Write(payload)
	return b.String()
}

// Decode parses the wire format produced by Encode back into its four parts.
// It returns the raw payload bytes undecoded; callers unmarshal Payload
// themselves since not every backend stores a Payload envelope (the keepalive
// message, for instance, carries a bare JSON scalar).
func Decode(wire string) (globalID, id int64, channel string, payload []byte, ok bool) {
	first := strings.IndexByte(wire, '|')
	if first < 0 {
		return 0, 0, "", nil, false
	}
	second := strings.IndexByte(wire[first+1:], '|')
	if second < 0 {
		return 0, 0, "", nil, false
	}
	second += first + 1
	third := strings.IndexByte(wire[second+1:], '|')
	if third < 0 {
		return 0, 0, "", nil, false
	}
	third += second + 1

	globalID, err := strconv.ParseInt(wire[:first], 10, 64)
	if err != nil {
		return 0, 0, "", nil, false
	}
	id, err = strconv.ParseInt(wire[first+1:second], 10, 64)
	if err != nil {
		return 0, 0, "", nil, false
	}
	channel = UnescapeChannel(wire[second+1 : third])
	payload = []byte(wire[third+1:])
	return globalID, id, channel, payload, true
}

// GlobalPrefix marks a channel as tenant-wide: no site scoping, and no
// per-user/group targeting is allowed when publishing to it.
const GlobalPrefix = "/global/"

// IsGlobalChannel reports whether channel is tenant-wide.
func IsGlobalChannel(channel string) bool {
	return strings.HasPrefix(channel, GlobalPrefix)
}

// StoredChannel encodes a site-scoped channel for storage: channel + Sep +
// siteID. Global channels (handled by the caller) are never passed through
// here.
func StoredChannel(channel, siteID string) string {
	if siteID == "" {
		return channel
	}
	return channel + Sep + siteID
}

// SplitStoredChannel reverses StoredChannel, returning the public channel
// name and the site id (empty if the channel carried none).
func SplitStoredChannel(stored string) (channel, siteID string) {
	idx := strings.Index(stored, Sep)
	if idx < 0 {
		return stored, ""
	}
	return stored[:idx], stored[idx+len(Sep):]
}
