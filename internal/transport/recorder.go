package transport

import (
	"sync"

	"github.com/WanderningMaster/kademlia/internal/rpc"
)

// Recorder keeps a FIFO of observed messages for scenario assertions.
type Recorder struct {
	mu   sync.Mutex
	msgs []rpc.Message
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Observe(m rpc.Message) {
	m.Payload = append([]byte(nil), m.Payload...)
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// Pop removes and returns the oldest recorded message.
func (r *Recorder) Pop() (rpc.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return rpc.Message{}, false
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, true
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

func (r *Recorder) Messages() []rpc.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rpc.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}
