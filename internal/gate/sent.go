package gate

import (
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

const sentRefTTL = 10 * time.Minute

// SentRegistry remembers refs of messages the bot sent itself, so their
// echo is not mistaken for a manual operator reply.
type SentRegistry struct {
	mu    sync.Mutex
	refs  map[string]time.Time
	nowFn func() time.Time
}

func NewSentRegistry() *SentRegistry {
	return &SentRegistry{refs: make(map[string]time.Time), nowFn: utils.Now}
}

// Record remembers ref. Empty refs are ignored.
func (s *SentRegistry) Record(ref string) {
	if ref == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref] = s.nowFn()
}

// Consume reports whether ref was sent by the bot and forgets it.
func (s *SentRegistry) Consume(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[ref]; !ok {
		return false
	}
	delete(s.refs, ref)
	return true
}

// Sweep forgets refs whose echo never arrived.
func (s *SentRegistry) Sweep() int {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ref, at := range s.refs {
		if now.Sub(at) > sentRefTTL {
			delete(s.refs, ref)
			removed++
		}
	}
	return removed
}
