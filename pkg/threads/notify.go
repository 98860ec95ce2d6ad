package threads

// Subscriber channels are buffered; a full channel drops the notification
// rather than blocking the append path. Consumers needing a complete view
// read the log back instead.

const notifyBuffer = 256

// Subscribe returns a channel receiving a Notification per appended event.
func (s *Store) Subscribe() <-chan Notification {
	ch := make(chan Notification, notifyBuffer)
	s.notifyMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.notifyMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan Notification) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (s *Store) publish(n Notification) {
	s.notifyMu.RLock()
	defer s.notifyMu.RUnlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- n:
		default:
			s.logger.Warn("dropping thread notification, subscriber full", "thread_id", n.ThreadID)
		}
	}
}
