// Package transcript consolidates finalized recognition tokens into a stable,
// non-duplicating transcript.
package transcript

import (
	"cmp"
	"slices"
	"strings"

	"speech-stream-bridge/internal/service/stt"
)

// JoinMode controls how token texts are concatenated.
type JoinMode string

const (
	// JoinNone concatenates texts as-is. Use it for services with sub-word
	// tokens that carry their own leading spaces.
	JoinNone JoinMode = "none"
	// JoinSpace joins non-empty texts with a single space and trims the result.
	JoinSpace JoinMode = "space"
)

// ParseJoinMode returns def for unknown values.
func ParseJoinMode(s string, def JoinMode) JoinMode {
	switch JoinMode(strings.ToLower(strings.TrimSpace(s))) {
	case JoinNone:
		return JoinNone
	case JoinSpace:
		return JoinSpace
	default:
		return def
	}
}

// key orders tokens chronologically. Timed tokens use seq 0; tokens without a
// start offset are placed after the latest offset seen so far with seq > 0,
// so they never collide with a timed token.
type key struct {
	ms  int64
	seq int64
}

func compareKeys(a, b key) int {
	if c := cmp.Compare(a.ms, b.ms); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// Consolidator is the per-session token store. It is not safe for concurrent
// use; the owning session touches it from a single goroutine.
type Consolidator struct {
	mode       JoinMode
	texts      map[key]string
	keys       []key // sorted
	lastMarker int64
	maxStartMs int64
	seq        int64
	last       string
}

// New returns an empty Consolidator.
func New(mode JoinMode) *Consolidator {
	return &Consolidator{
		mode:       mode,
		texts:      make(map[key]string),
		lastMarker: -1,
	}
}

// Ingest consolidates a batch of tokens. marker is the service's cumulative
// processed-audio position; batches whose marker does not advance are ignored.
// It returns the rebuilt transcript and true only when that transcript is
// non-empty and differs from the last one returned.
func (c *Consolidator) Ingest(tokens []stt.Token, marker int64) (string, bool) {
	if marker <= c.lastMarker {
		return "", false
	}
	c.lastMarker = marker

	for _, tok := range tokens {
		if !tok.IsFinal {
			continue
		}
		c.put(c.keyFor(tok), tok.Text)
	}

	text := c.rebuild()
	if text == "" || text == c.last {
		return "", false
	}
	c.last = text
	return text, true
}

// Transcript returns the last emitted transcript.
func (c *Consolidator) Transcript() string {
	return c.last
}

// Len returns the number of stored finalized tokens.
func (c *Consolidator) Len() int {
	return len(c.keys)
}

// LastMarker returns the last accepted progress marker, or -1.
func (c *Consolidator) LastMarker() int64 {
	return c.lastMarker
}

func (c *Consolidator) keyFor(tok stt.Token) key {
	if tok.StartMs != nil {
		if *tok.StartMs > c.maxStartMs {
			c.maxStartMs = *tok.StartMs
		}
		return key{ms: *tok.StartMs}
	}
	c.seq++
	return key{ms: c.maxStartMs, seq: c.seq}
}

func (c *Consolidator) put(k key, text string) {
	if _, ok := c.texts[k]; !ok {
		i, _ := slices.BinarySearchFunc(c.keys, k, compareKeys)
		c.keys = slices.Insert(c.keys, i, k)
	}
	c.texts[k] = text
}

func (c *Consolidator) rebuild() string {
	var b strings.Builder
	for _, k := range c.keys {
		text := c.texts[k]
		if c.mode == JoinSpace {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(text)
	}
	if c.mode == JoinSpace {
		return b.String()
	}
	// Whitespace-only output is not a transcript.
	if strings.TrimSpace(b.String()) == "" {
		return ""
	}
	return b.String()
}
