package relay

import "log"

// bind makes ch the receiver of this session's events and flushes output
// that arrived while no channel was bound.
func (s *Session) bind(ch *channel) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.sink = ch
	s.lastSeen.Store(s.clock().UnixNano())
	if s.pending.len() == 0 {
		return
	}
	held := s.pending.drain()
	if !ch.send(Event{Type: TypeData, SessionID: s.ID, Data: string(held)}) {
		s.pending.write(held)
		s.dropSinkLocked()
	}
}

func (s *Session) dropSinkLocked() {
	s.sink = nil
	s.lastSeen.Store(s.clock().UnixNano())
}

// unbind detaches ch if it is the current receiver.
func (s *Session) unbind(ch *channel) {
	s.sinkMu.Lock()
	if s.sink == ch {
		s.dropSinkLocked()
	}
	s.sinkMu.Unlock()
}

// deliver forwards one output chunk to the bound channel, or holds it.
// A multi-byte rune split across chunks is carried to the next call so the
// text frame never carries half a character.
func (s *Session) deliver(chunk []byte) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	buf := chunk
	if len(s.utf8) > 0 {
		buf = append(s.utf8, chunk...)
		s.utf8 = nil
	}
	complete, rest := splitUTF8(buf)
	if len(rest) > 0 {
		s.utf8 = append([]byte(nil), rest...)
	}
	if len(complete) == 0 {
		return
	}
	s.forwardLocked(complete)
}

// flushTail forwards any carried partial rune at end of stream.
func (s *Session) flushTail() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if len(s.utf8) > 0 {
		tail := s.utf8
		s.utf8 = nil
		s.forwardLocked(tail)
	}
}

func (s *Session) forwardLocked(p []byte) {
	if s.sink != nil {
		if s.sink.send(Event{Type: TypeData, SessionID: s.ID, Data: string(p)}) {
			return
		}
		s.dropSinkLocked()
	}
	s.pending.write(p)
}

// emit sends a non-data event to the bound channel, if any.
func (s *Session) emit(ev Event) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sink != nil && !s.sink.send(ev) {
		s.dropSinkLocked()
	}
}

// queueInput hands p to the session's writer. It reports false when the
// writer is too far behind.
func (s *Session) queueInput(p []byte) bool {
	select {
	case s.input <- p:
		return true
	default:
		return false
	}
}

// writeInput copies queued input to t in order until the session is removed.
func (s *Session) writeInput(t Transport) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.input:
			if _, err := t.Write(p); err != nil {
				log.Printf("[relay] write to session %s: %v", s.ID, err)
				s.emit(errorEvent(s.ID, CodeWriteFailed, "write to remote shell failed", false))
			}
		}
	}
}
