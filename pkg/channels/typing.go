package channels

import (
	"sync"
	"time"
)

// typingIndicator keeps a "typing…" indicator alive in a chat while the
// assistant works on one or more messages from it. Discord drops the
// indicator after about ten seconds, so it is re-sent every interval.
type typingIndicator struct {
	send     func(chatID string)
	interval time.Duration

	mu    sync.Mutex
	chats map[string]*typingChat
}

type typingChat struct {
	holds int
	stop  chan struct{}
}

func newTypingIndicator(interval time.Duration, send func(chatID string)) *typingIndicator {
	return &typingIndicator{send: send, interval: interval, chats: make(map[string]*typingChat)}
}

// hold adds one pending reply for chatID, starting the indicator if it
// was idle.
func (t *typingIndicator) hold(chatID string) {
	if chatID == "" {
		return
	}
	t.mu.Lock()
	if chat, ok := t.chats[chatID]; ok {
		chat.holds++
		t.mu.Unlock()
		return
	}
	chat := &typingChat{holds: 1, stop: make(chan struct{})}
	t.chats[chatID] = chat
	t.mu.Unlock()

	t.send(chatID)
	go t.refresh(chatID, chat.stop)
}

func (t *typingIndicator) refresh(chatID string, stop <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.send(chatID)
		}
	}
}

// release drops one pending reply; the indicator stops with the last.
func (t *typingIndicator) release(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	chat, ok := t.chats[chatID]
	if !ok {
		return
	}
	if chat.holds--; chat.holds > 0 {
		return
	}
	delete(t.chats, chatID)
	close(chat.stop)
}

func (t *typingIndicator) releaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for chatID, chat := range t.chats {
		close(chat.stop)
		delete(t.chats, chatID)
	}
}
