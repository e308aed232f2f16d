package bt

import (
	"errors"
	"sync"
)

type notifier struct {
	central *central
	char    *Characteristic
	maxlen  int

	mu   sync.Mutex
	done bool
}

func newNotifier(c *central, cc *Characteristic, maxlen int) *notifier {
	return &notifier{central: c, char: cc, maxlen: maxlen}
}

func (n *notifier) Write(data []byte) (int, error) {
	if n.Done() {
		return 0, errors.New("central stopped notifications")
	}
	if len(data) > n.maxlen {
		data = data[:n.maxlen]
	}
	return n.central.sendNotification(n.char, data)
}

func (n *notifier) Cap() int { return n.maxlen }

func (n *notifier) Done() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

func (n *notifier) stop() {
	n.mu.Lock()
	n.done = true
	n.mu.Unlock()
}
