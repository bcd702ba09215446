package realtime

import "testing"

func TestClientDeliveryCountsAsActivity(t *testing.T) {
	touched := 0
	c := &wsClient{
		send:       make(chan serverMessage, 2),
		onActivity: func() { touched++ },
	}

	if !c.Send(EventUpdate, nil) {
		t.Fatal("send failed")
	}
	if touched != 1 {
		t.Errorf("touched = %d, want 1", touched)
	}

	// A full buffer drops the message without recording activity.
	c.Send(EventUpdate, nil)
	if c.Send(EventUpdate, nil) {
		t.Error("send beyond the buffer succeeded")
	}
	if touched != 2 {
		t.Errorf("touched = %d, want 2", touched)
	}
}
