package eventbus

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超时")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(TopicSampleRecorded, func(event Event) {
		received <- event
	})

	bus.Publish(TopicSampleRecorded, "payload")

	event := waitFor(t, received)
	if event.Topic != TopicSampleRecorded {
		t.Errorf("主题不符: %s", event.Topic)
	}
	if event.Payload != "payload" {
		t.Errorf("负载不符: %v", event.Payload)
	}
}

func TestSubscriberOnlyReceivesOwnTopic(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	received := make(chan Event, 2)
	bus.Subscribe(TopicAlertFired, func(event Event) {
		received <- event
	})

	bus.Publish(TopicSampleRecorded, 1)
	bus.Publish(TopicAlertFired, 2)

	event := waitFor(t, received)
	if event.Topic != TopicAlertFired {
		t.Errorf("只应收到订阅的主题: %s", event.Topic)
	}
}

func TestPanicInHandlerDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(TopicHealthCompleted, func(event Event) {
		panic("boom")
	})
	bus.Subscribe(TopicHealthCompleted, func(event Event) {
		received <- event
	})

	bus.Publish(TopicHealthCompleted, nil)

	// panic 的订阅者不影响后续订阅者
	waitFor(t, received)

	// 总线仍然可用
	bus.Publish(TopicHealthCompleted, nil)
	waitFor(t, received)
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Close()
	bus.Close() // 不应 panic

	// 关闭后的发布被静默丢弃
	bus.Publish(TopicSampleRecorded, nil)
}
