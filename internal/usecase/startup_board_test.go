package usecase

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/spot_averaging/internal/domain"
)

func waitFlushed(t *testing.T, b *StartupBoard) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("startup message was not flushed")
	}
}

func TestStartupBoard_FlushesOnceAllExpectedReported(t *testing.T) {
	n := &MockNotifier{}
	b := NewStartupBoard(n, 2, time.Hour, zap.NewNop())

	b.Report(domain.AccountState{Label: "acc-1", Token: "WBTC", USDCBalance: dec("100"), TotalValue: dec("100")})
	b.Report(domain.AccountState{Label: "acc-2", Token: "WBTC", USDCBalance: dec("50"), TokenBalance: dec("0.01"),
		LimitOrdersValue: dec("10.5"), TotalValue: dec("70.5")})
	waitFlushed(t, b)

	sent := n.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Bot Started")
	assert.Contains(t, sent[0], "<b>acc-1:</b>\n💰 100 USDC + 0.000000 WBTC = $100")
	assert.Contains(t, sent[0], "$11 Limit Orders")
	assert.Less(t, strings.Index(sent[0], "acc-1"), strings.Index(sent[0], "acc-2"))
}

func TestStartupBoard_FlushesAfterDelay(t *testing.T) {
	n := &MockNotifier{}
	b := NewStartupBoard(n, 3, 20*time.Millisecond, zap.NewNop())

	b.Report(domain.AccountState{Label: "acc-1"})
	waitFlushed(t, b)

	b.Report(domain.AccountState{Label: "acc-2"})
	assert.Len(t, n.Sent(), 1, "late reports are dropped")
}

func TestStartupBoard_ConcurrentReportsSendOnce(t *testing.T) {
	n := &MockNotifier{}
	b := NewStartupBoard(n, 10, time.Hour, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Report(domain.AccountState{Label: fmt.Sprintf("acc-%d", i%10)})
		}(i)
	}
	wg.Wait()
	waitFlushed(t, b)

	assert.Len(t, n.Sent(), 1)
}

func TestStartupBoard_ExpectAfterReports(t *testing.T) {
	n := &MockNotifier{}
	b := NewStartupBoard(n, 0, time.Hour, zap.NewNop())

	b.Report(domain.AccountState{Label: "acc-1"})
	b.Expect(1)
	waitFlushed(t, b)
	assert.Len(t, n.Sent(), 1)
}
