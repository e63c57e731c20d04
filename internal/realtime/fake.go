package realtime

import (
	"context"
	"encoding/json"
	"time"

	"notifd/internal/channel"
)

// Fake is an in-memory Transport driven by the caller. Used when no
// realtime URL is configured and in tests.
type Fake struct {
	*hub
}

func NewFake() *Fake { return &Fake{hub: newHub()} }

// Run blocks until ctx is done.
func (f *Fake) Run(ctx context.Context) error {
	<-ctx.Done()
	f.setStatus(channel.RealtimeDisconnected, nil)
	return nil
}

func (f *Fake) SetStatus(s channel.RealtimeStatus, err error) { f.setStatus(s, err) }

// Emit delivers a named event with data marshalled as JSON.
func (f *Fake) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.deliver(Message{Event: event, Data: raw, ReceivedAt: time.Now()})
	return nil
}
