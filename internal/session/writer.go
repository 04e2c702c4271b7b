package session

import (
	"mudgate/internal/envelope"
	"mudgate/util"
)

// DefaultOutputQueue is how many Server messages may wait on one slow
// client before the session is closed.
const DefaultOutputQueue = 256

// outItem is one unit of work for a session writer: a message to
// write, or the final close after a Server kick.
type outItem struct {
	msg    envelope.Message
	close  bool
	reason string
}

// writeLoop drains s.out onto the client transport.  It ends when the
// session is stopped, after a kick has been flushed, or on the first
// write error.
func (r *Registry) writeLoop(s *Session) {
	for {
		select {
		case <-s.stop:
			return
		case it := <-s.out:
			select {
			case <-s.stop:
				return
			default:
			}
			if it.close {
				r.closeTransport(s, it.reason)
				return
			}
			if err := s.transport.WriteMessage(it.msg); err != nil {
				if !util.IsClosed(err) {
					s.log.Warn("write: %v", err)
				}
				_ = r.Close(s.ID, "write failed")
				r.closeTransport(s, "write failed")
				return
			}
		}
	}
}

// offer queues it for the writer without blocking.  It reports false
// when the queue is full.
func (s *Session) offer(it outItem) bool {
	select {
	case s.out <- it:
		return true
	default:
		return false
	}
}

func (s *Session) stopWriter() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// closeTransport closes the client side exactly once.
func (r *Registry) closeTransport(s *Session, reason string) {
	s.closeOnce.Do(func() {
		if err := s.transport.Close(reason); err != nil && !util.IsClosed(err) {
			s.log.Debug("transport close: %v", err)
		}
	})
}
