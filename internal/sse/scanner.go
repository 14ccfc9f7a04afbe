// Package sse reassembles server-sent-event records from arbitrarily
// sized transport fragments and builds normalized chat.completion.chunk
// payloads from them.
package sse

import "strings"

// Record is one complete SSE data record together with the event type
// that was in effect when it arrived.
type Record struct {
	Event string
	Data  string
}

// Scanner accumulates text fragments and yields complete records.
// Fragment boundaries never align with record boundaries, so a trailing
// partial line stays buffered until the next Push.
type Scanner struct {
	buf   strings.Builder
	event string
}

// Push appends a fragment and returns all records completed by it.
func (s *Scanner) Push(fragment string) []Record {
	s.buf.WriteString(fragment)

	pending := s.buf.String()
	idx := strings.LastIndexByte(pending, '\n')
	if idx < 0 {
		return nil
	}

	complete := pending[:idx]
	s.buf.Reset()
	s.buf.WriteString(pending[idx+1:])

	var records []Record
	for _, line := range strings.Split(complete, "\n") {
		if rec, ok := s.processLine(line); ok {
			records = append(records, rec)
		}
	}
	return records
}

// Flush processes any buffered partial line as if the stream had
// terminated it, and returns the resulting record if one was complete.
func (s *Scanner) Flush() []Record {
	if s.buf.Len() == 0 {
		return nil
	}
	line := s.buf.String()
	s.buf.Reset()
	if rec, ok := s.processLine(line); ok {
		return []Record{rec}
	}
	return nil
}

func (s *Scanner) processLine(line string) (Record, bool) {
	line = strings.TrimSuffix(line, "\r")

	switch {
	case strings.HasPrefix(line, "event:"):
		s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return Record{}, false

	case strings.HasPrefix(line, "data:"):
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			// Heartbeat or record boundary marker.
			return Record{}, false
		}
		return Record{Event: s.event, Data: data}, true
	}

	return Record{}, false
}
