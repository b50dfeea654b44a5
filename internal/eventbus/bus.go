package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

// 事件主题
const (
	TopicSampleRecorded      = "sample.recorded"
	TopicAlertFired          = "alert.fired"
	TopicHealthCompleted     = "health.completed"
	TopicRemediationFinished = "remediation.finished"
	TopicSnapshotReady       = "snapshot.ready"
)

// Event 进程内事件
type Event struct {
	Topic   string
	Payload any
}

// Handler 事件处理函数
type Handler func(event Event)

// Bus 进程内事件总线：订阅方注册回调，发布方无需感知消费者。
// 单 goroutine 顺序派发，处理函数内不要做阻塞操作。
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	events   chan Event
	done     chan struct{}
	logger   *zap.Logger
	once     sync.Once
}

func NewBus(logger *zap.Logger) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go b.dispatch()
	return b
}

// Subscribe 订阅主题
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish 发布事件（非阻塞，队列满时丢弃并记录日志）
func (b *Bus) Publish(topic string, payload any) {
	select {
	case b.events <- Event{Topic: topic, Payload: payload}:
	case <-b.done:
	default:
		b.logger.Warn("事件队列已满，丢弃事件", zap.String("topic", topic))
	}
}

// Close 关闭总线，停止派发
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
	})
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.mu.RLock()
			handlers := b.handlers[event.Topic]
			b.mu.RUnlock()

			for _, handler := range handlers {
				b.safeInvoke(handler, event)
			}
		}
	}
}

// safeInvoke 保证单个订阅者 panic 不影响其他订阅者
func (b *Bus) safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("事件处理函数 panic",
				zap.String("topic", event.Topic),
				zap.Any("recover", r))
		}
	}()
	handler(event)
}
