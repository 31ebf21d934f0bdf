package state

import (
	"fmt"
	"sync"
)

// Container holds the current State. One writer calls Set; any number of
// subscribers observe every transition in order.
type Container struct {
	mu      sync.Mutex
	current State
	subs    map[*Subscription]struct{}
	closed  bool
}

func NewContainer(initial State) *Container {
	return &Container{current: initial, subs: make(map[*Subscription]struct{})}
}

func (c *Container) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set replaces the current state and queues it for every subscriber.
func (c *Container) Set(s State) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s
	for sub := range c.subs {
		sub.push(s)
	}
	return nil
}

// Subscribe registers a new observer. The current state is the first value
// delivered on C.
func (c *Container) Subscribe() *Subscription {
	sub := &Subscription{
		container: c,
		out:       make(chan State),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	sub.push(c.current)
	if c.closed {
		sub.finish()
	} else {
		c.subs[sub] = struct{}{}
	}
	c.mu.Unlock()

	go sub.run()
	return sub
}

// Close ends every subscription once its queued states are delivered.
// Subscribing afterwards yields the final state and then a closed channel.
func (c *Container) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for sub := range c.subs {
		sub.finish()
	}
	clear(c.subs)
}

func (c *Container) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Container) remove(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// Subscription buffers transitions without bound so a slow reader never
// blocks the writer or other readers.
type Subscription struct {
	container *Container
	out       chan State

	mu     sync.Mutex
	queue  []State
	ending bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *Subscription) C() <-chan State { return s.out }

// Close detaches the subscription; C is closed once the delivery goroutine
// exits. Undelivered states are dropped.
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		s.container.remove(s)
		close(s.done)
	})
}

func (s *Subscription) push(st State) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish lets the delivery goroutine exit after draining the queue.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = State{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
