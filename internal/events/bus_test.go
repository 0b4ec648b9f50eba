package events

import "testing"

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := NewBus()
	ch1, unsub1 := b.Subscribe(EventSignal, 1)
	ch2, unsub2 := b.Subscribe(EventSignal, 1)
	defer unsub2()

	b.Publish(EventSignal, "payload")
	for i, ch := range []<-chan any{ch1, ch2} {
		select {
		case got := <-ch:
			if got != "payload" {
				t.Errorf("subscriber %d got %v", i, got)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}

	unsub1()
	b.Publish(EventSignal, "second")
	if _, open := <-ch1; open {
		t.Error("unsubscribed channel should be closed")
	}
	if got := <-ch2; got != "second" {
		t.Errorf("remaining subscriber got %v", got)
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventTradeOpened, 1)
	defer unsub()

	b.Publish(EventTradeOpened, 1)
	b.Publish(EventTradeOpened, 2) // buffer full, dropped rather than blocking

	if got := <-ch; got != 1 {
		t.Errorf("got %v, want first payload", got)
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected second payload %v", got)
	default:
	}
}
