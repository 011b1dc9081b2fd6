package realtime

import (
	"context"
	"sync"

	"batchd/cmd/internal/backpressure"
	"batchd/cmd/internal/batching"
)

// fakeReceiver records inbound messages and returns scripted errors.
type fakeReceiver struct {
	mu       sync.Mutex
	received []batching.Inbound
	errs     map[string]error // message id -> error
	flushes  []string
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{errs: map[string]error{}}
}

func (f *fakeReceiver) Receive(_ context.Context, in batching.Inbound) (batching.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[in.MessageID]; err != nil {
		return batching.Receipt{}, err
	}
	f.received = append(f.received, in)
	return batching.Receipt{MessageID: in.MessageID, Action: backpressure.Admit}, nil
}

func (f *fakeReceiver) Flush(userID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, userID)
	return "batch-" + userID, true
}

func (f *fakeReceiver) snapshot() []batching.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]batching.Inbound, len(f.received))
	copy(out, f.received)
	return out
}
