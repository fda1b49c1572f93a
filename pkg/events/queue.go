package events

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

// InstructionQueue is an unbounded FIFO between producers (source listener, recovery, reconciler)
// and the orchestrator. Push never blocks; consumers read from C().
type InstructionQueue struct {
	mu      sync.Mutex
	items   []*types.SettlementInstruction
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	out     chan *types.SettlementInstruction
}

func NewInstructionQueue() *InstructionQueue {
	q := &InstructionQueue{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		out:     make(chan *types.SettlementInstruction),
	}
	go q.run()
	return q
}

func (q *InstructionQueue) Push(instruction *types.SettlementInstruction) {
	if instruction == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		log.Warn().Str("instructionId", instruction.ID).
			Msg("[InstructionQueue] [Push] queue is closed, instruction dropped")
		return
	}
	q.items = append(q.items, instruction)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// C returns the channel delivering instructions in push order. It is closed after Close.
func (q *InstructionQueue) C() <-chan *types.SettlementInstruction {
	return q.out
}

func (q *InstructionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Instructions still buffered stay available through Drain.
func (q *InstructionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// Drain closes the queue and returns the instructions that were never delivered, in push order.
func (q *InstructionQueue) Drain() []*types.SettlementInstruction {
	q.Close()
	<-q.stopped
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *InstructionQueue) run() {
	defer close(q.stopped)
	defer close(q.out)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		select {
		case q.out <- item:
		case <-q.done:
			q.mu.Lock()
			q.items = append([]*types.SettlementInstruction{item}, q.items...)
			q.mu.Unlock()
			return
		}
	}
}

func (q *InstructionQueue) next() (*types.SettlementInstruction, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-q.done:
			return nil, false
		}
	}
}
