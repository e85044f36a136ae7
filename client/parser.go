package client

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/InsulaLabs/pulse/models"
)

// Decoder is an incremental parser for the SSE wire format: bytes are
// buffered until a blank-line block boundary, then each block is parsed
// field-by-field. Unknown fields and comment lines are ignorable, and a
// block without a data field yields no envelope; both keep the stream
// alive rather than erroring.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk of received bytes and returns every complete
// envelope it unlocked. Partial blocks stay buffered for the next call.
func (d *Decoder) Feed(p []byte) []models.Envelope {
	d.buf = append(d.buf, p...)

	var envelopes []models.Envelope
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+2:]

		if env, ok := parseBlock(block); ok {
			envelopes = append(envelopes, env)
		}
	}
	return envelopes
}

// Buffered reports how many bytes are waiting on a block boundary.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func parseBlock(block []byte) (models.Envelope, bool) {
	var (
		id        string
		event     string
		dataLines []string
	)

	for _, rawLine := range strings.Split(string(block), "\n") {
		line := strings.TrimSuffix(rawLine, "\r")
		switch {
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// Comments (": ...") and unrecognized fields are skipped.
		}
	}

	if len(dataLines) == 0 {
		return models.Envelope{}, false
	}
	if event == "" {
		// SSE default event name.
		event = string(models.EventMessage)
	}

	return models.Envelope{
		ID:        id,
		Event:     models.EventKind(event),
		Data:      json.RawMessage(strings.Join(dataLines, "\n")),
		CreatedAt: time.Now().UTC(),
	}, true
}
