package overlay

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/weavemesh/overlay/internal/config"
)

// TestManagerStartStopLeavesNoGoroutines guards the event loop's shutdown
// path (§5): Stop must fully drain m.actions and return only once loop has
// exited, or a goroutine leaks on every Manager a caller creates and
// discards.
func TestManagerStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.Default()
	cfg.BroadcastInterval = time.Millisecond
	cfg.DisposeInterval = time.Millisecond

	local := &LocalPeer{
		Identity: testIdentity(0x01),
		Version:  testVersion(),
		Direct:   newFakeDirectTransport(),
		Assisted: fakeAssistedTransport{},
		Crypto:   fakeCrypto{},
	}
	mgr := NewManager(cfg, local, nil)

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	time.Sleep(5 * time.Millisecond) // let a few ticks fire
	mgr.Stop()
	cancel()
}
