package topology

import (
	"sync"

	"go.uber.org/zap"
)

type configSubscriber interface {
	Name() string
	configUpdated(config *BucketConfig)
}

// configSubscription delivers configs to one subscriber on its own
// goroutine.  Only the newest pending config is kept, anything older that
// has not been picked up yet is discarded.
type configSubscription struct {
	subscriber configSubscriber

	lock     sync.Mutex
	pending  *BucketConfig
	signalCh chan struct{}
	closeCh  chan struct{}
}

func (s *configSubscription) push(config *BucketConfig) {
	s.lock.Lock()
	if s.pending == nil || config.Revision().Compare(s.pending.Revision()) > 0 {
		s.pending = config
	}
	s.lock.Unlock()

	select {
	case s.signalCh <- struct{}{}:
	default:
	}
}

func (s *configSubscription) run() {
MainLoop:
	for {
		select {
		case <-s.closeCh:
			break MainLoop
		case <-s.signalCh:
		}

		s.lock.Lock()
		config := s.pending
		s.pending = nil
		s.lock.Unlock()

		if config != nil {
			s.subscriber.configUpdated(config)
		}
	}
}

type configPublisher struct {
	logger *zap.Logger

	lock   sync.Mutex
	subs   map[configSubscriber]*configSubscription
	closed bool
	wg     sync.WaitGroup
}

func newConfigPublisher(logger *zap.Logger) *configPublisher {
	return &configPublisher{
		logger: logger,
		subs:   make(map[configSubscriber]*configSubscription),
	}
}

func (p *configPublisher) Subscribe(sub configSubscriber) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return false
	}
	if _, ok := p.subs[sub]; ok {
		return false
	}

	s := &configSubscription{
		subscriber: sub,
		signalCh:   make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
	p.subs[sub] = s

	p.wg.Add(1)
	go func() {
		s.run()
		p.wg.Done()
	}()

	return true
}

// Unsubscribe stops delivery to a subscriber.  It does not wait for an
// in-progress delivery, so it may be called from within one.
func (p *configPublisher) Unsubscribe(sub configSubscriber) bool {
	p.lock.Lock()
	s, ok := p.subs[sub]
	if ok {
		delete(p.subs, sub)
	}
	p.lock.Unlock()

	if !ok {
		return false
	}

	close(s.closeCh)
	return true
}

// Publish hands a config to every subscriber whose name matches the config.
func (p *configPublisher) Publish(config *BucketConfig) int {
	p.lock.Lock()
	var targets []*configSubscription
	for sub, s := range p.subs {
		if sub.Name() == config.Name {
			targets = append(targets, s)
		}
	}
	p.lock.Unlock()

	for _, s := range targets {
		s.push(config)
	}

	if len(targets) == 0 {
		p.logger.Debug("no subscribers for published config",
			zap.String("name", config.Name),
			zap.Stringer("revision", config.Revision()))
	}

	return len(targets)
}

// Close stops all deliveries and waits for in-progress deliveries to finish.
func (p *configPublisher) Close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	p.subs = make(map[configSubscriber]*configSubscription)
	p.lock.Unlock()

	for _, s := range subs {
		close(s.closeCh)
	}

	p.wg.Wait()
}
