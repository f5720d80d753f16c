package vote

import (
	"log"
	"time"

	"github.com/nkwon/metrotales/internal/types"
)

// Notifier delivers a resolved vote snapshot to a room's subscribers.
type Notifier interface {
	BroadcastVote(roomId int, state types.VoteState)
}

// Sweeper periodically resolves overdue votes. It is the only path by which
// a vote without full turnout ever leaves PENDING.
type Sweeper struct {
	log         *log.Logger
	coordinator *Coordinator
	notifier    Notifier
	interval    time.Duration
	stop        chan struct{}
	done        chan struct{}
}

func NewSweeper(logger *log.Logger, coordinator *Coordinator, notifier Notifier, interval time.Duration) *Sweeper {
	return &Sweeper{
		log:         logger,
		coordinator: coordinator,
		notifier:    notifier,
		interval:    interval,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *Sweeper) Run() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	states, err := s.coordinator.ProcessExpiredVotes()
	if err != nil {
		s.log.Println("vote sweep:", err)
	}

	for _, state := range states {
		s.notifier.BroadcastVote(state.RoomId, state)
	}
}

func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
