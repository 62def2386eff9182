package orderbook

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/ledger"
	"github.com/hipo/sharemarket/internal/settlement"
	"github.com/hipo/sharemarket/internal/store/memory"
	"github.com/hipo/sharemarket/internal/wallet"
	"github.com/hipo/sharemarket/pkg/logger"
)

var traders = []string{"u0", "u1", "u2", "u3"}

const (
	grantPerTrader   = 50
	depositPerTrader = 1000
)

type market struct {
	store   *memory.Store
	book    *Book
	ledger  *ledger.Service
	clock   time.Time
	mu      sync.Mutex
	placed  []contracts.Order
	granted int64
	coins   decimal.Decimal
}

func newMarket(t *rapid.T) *market {
	m := &market{clock: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.clock
	}
	m.store = memory.New(memory.WithClock(clock))
	m.book = NewBook(m.store, settlement.NewSettler(m.store, nil, logger.Nop()), Config{OrderTTL: 30 * time.Minute}, nil, logger.Nop()).WithClock(clock)
	m.ledger = ledger.NewService(m.store, logger.Nop()).WithClock(clock)
	wallets := wallet.NewService(m.store, logger.Nop()).WithClock(clock)

	ctx := context.Background()
	for _, u := range traders {
		if _, err := m.ledger.Grant(ctx, u, target, grantPerTrader); err != nil {
			t.Fatalf("grant: %v", err)
		}
		if _, err := wallets.Deposit(ctx, u, decimal.NewFromInt(depositPerTrader)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		m.granted += grantPerTrader
	}
	m.coins = decimal.NewFromInt(depositPerTrader * int64(len(traders)))
	return m
}

func (m *market) advance(d time.Duration) {
	m.mu.Lock()
	m.clock = m.clock.Add(d)
	m.mu.Unlock()
}

func (m *market) orders(t *rapid.T) []contracts.Order {
	var all []contracts.Order
	for _, u := range traders {
		os, err := m.store.ListOrdersByOwner(context.Background(), u, "")
		if err != nil {
			t.Fatalf("list orders: %v", err)
		}
		all = append(all, os...)
	}
	return all
}

// check asserts the invariants that must hold between any two operations
func (m *market) check(t *rapid.T) {
	ctx := context.Background()
	orders := m.orders(t)

	reserved := make(map[string]int64)
	escrowed := decimal.Zero
	for _, o := range orders {
		if o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity {
			t.Fatalf("order %s filled %d of %d", o.ID, o.FilledQuantity, o.Quantity)
		}
		switch o.Status {
		case contracts.StatusPending:
			if o.FilledQuantity != 0 {
				t.Fatalf("pending order %s has fills", o.ID)
			}
		case contracts.StatusPartial:
			if o.FilledQuantity == 0 || o.FilledQuantity == o.Quantity {
				t.Fatalf("partial order %s filled %d of %d", o.ID, o.FilledQuantity, o.Quantity)
			}
		case contracts.StatusFilled:
			if o.FilledQuantity != o.Quantity {
				t.Fatalf("filled order %s filled %d of %d", o.ID, o.FilledQuantity, o.Quantity)
			}
		case contracts.StatusCancelled, contracts.StatusExpired:
			if o.FilledQuantity == o.Quantity {
				t.Fatalf("closed order %s was fully filled", o.ID)
			}
		default:
			t.Fatalf("order %s has unknown status %q", o.ID, o.Status)
		}
		if !o.Status.IsOpen() {
			continue
		}
		if o.Side == contracts.SideSell {
			reserved[o.OwnerID] += o.Remaining()
		} else {
			escrowed = escrowed.Add(o.EscrowFor(o.Remaining()))
		}
	}

	var shares int64
	balances := decimal.Zero
	for _, u := range traders {
		h, err := m.store.GetHolding(ctx, u, target)
		if err != nil {
			t.Fatalf("holding: %v", err)
		}
		sum, err := m.store.SumLedger(ctx, u, target)
		if err != nil {
			t.Fatalf("sum ledger: %v", err)
		}
		if sum != h.Quantity {
			t.Fatalf("%s position %d disagrees with ledger sum %d", u, h.Quantity, sum)
		}
		if h.Quantity < 0 || h.Reserved < 0 || h.Reserved > h.Quantity {
			t.Fatalf("%s holding out of range: %+v", u, h)
		}
		if h.Reserved != reserved[u] {
			t.Fatalf("%s reserved %d, open sells need %d", u, h.Reserved, reserved[u])
		}
		shares += h.Quantity

		w, err := m.store.GetWallet(ctx, u)
		if err != nil {
			t.Fatalf("wallet: %v", err)
		}
		if w.Balance.IsNegative() {
			t.Fatalf("%s balance negative: %s", u, w.Balance)
		}
		balances = balances.Add(w.Balance)
	}

	if shares != m.granted {
		t.Fatalf("shares not conserved: %d held, %d granted", shares, m.granted)
	}
	if total := balances.Add(escrowed); !total.Equal(m.coins) {
		t.Fatalf("coins not conserved: %s in wallets + %s escrowed != %s", balances, escrowed, m.coins)
	}
}

func TestProperty_MarketInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		m := newMarket(t)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 9).Draw(t, fmt.Sprintf("op-%d", i)) {
			case 0:
				if len(m.placed) == 0 {
					continue
				}
				o := rapid.SampledFrom(m.placed).Draw(t, fmt.Sprintf("cancel-%d", i))
				_, _ = m.book.Cancel(ctx, o.ID, o.OwnerID)
			case 1:
				m.advance(time.Duration(rapid.IntRange(1, 40).Draw(t, fmt.Sprintf("minutes-%d", i))) * time.Minute)
				if _, err := m.book.ExpireDue(ctx, 0); err != nil {
					t.Fatalf("expire: %v", err)
				}
			default:
				req := PlaceOrderRequest{
					OwnerID:    rapid.SampledFrom(traders).Draw(t, fmt.Sprintf("owner-%d", i)),
					TargetID:   target,
					Side:       rapid.SampledFrom([]contracts.Side{contracts.SideBuy, contracts.SideSell}).Draw(t, fmt.Sprintf("side-%d", i)),
					Quantity:   rapid.Int64Range(1, 20).Draw(t, fmt.Sprintf("qty-%d", i)),
					LimitPrice: decimal.New(rapid.Int64Range(1, 40).Draw(t, fmt.Sprintf("price-%d", i)), -1),
				}
				res, err := m.book.PlaceOrder(ctx, req)
				if err != nil {
					if k := contracts.KindOf(err); k != contracts.KindInsufficientFunds && k != contracts.KindInsufficientHoldings {
						t.Fatalf("place: %v", err)
					}
					break
				}
				m.placed = append(m.placed, *res.Order)
				for _, tr := range res.Trades {
					if tr.Quantity <= 0 {
						t.Fatalf("trade %s has quantity %d", tr.ID, tr.Quantity)
					}
				}
			}
			m.check(t)
		}

		// everything left open eventually expires and is fully refunded
		m.advance(time.Hour)
		if _, err := m.book.ExpireDue(ctx, 0); err != nil {
			t.Fatalf("final expire: %v", err)
		}
		m.check(t)
		for _, o := range m.orders(t) {
			if o.Status.IsOpen() {
				t.Fatalf("order %s still open after expiry", o.ID)
			}
		}
	})
}

func TestProperty_StatusIsPureFunctionOfFill(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		qty := rapid.Int64Range(1, 1000).Draw(t, "qty")
		filled := rapid.Int64Range(0, qty).Draw(t, "filled")
		offset := time.Duration(rapid.IntRange(-120, 120).Draw(t, "offset")) * time.Minute

		o := contracts.Order{Quantity: qty, FilledQuantity: filled, Status: contracts.StatusPending, ExpiresAt: base}
		now := base.Add(offset)

		got := o.StatusAt(now)
		if got != o.StatusAt(now) {
			t.Fatalf("status not deterministic")
		}
		switch {
		case filled == qty && got != contracts.StatusFilled:
			t.Fatalf("fully filled order is %s", got)
		case filled < qty && !now.Before(base) && got != contracts.StatusExpired:
			t.Fatalf("unfilled order past expiry is %s", got)
		case filled < qty && now.Before(base) && filled > 0 && got != contracts.StatusPartial:
			t.Fatalf("partially filled live order is %s", got)
		case filled == 0 && now.Before(base) && got != contracts.StatusPending:
			t.Fatalf("untouched live order is %s", got)
		}
	})
}

func TestProperty_ExpiryRefundsOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		m := newMarket(t)

		n := rapid.IntRange(1, 8).Draw(t, "orders")
		for i := 0; i < n; i++ {
			_, err := m.book.PlaceOrder(ctx, PlaceOrderRequest{
				OwnerID:    rapid.SampledFrom(traders).Draw(t, fmt.Sprintf("owner-%d", i)),
				TargetID:   target,
				Side:       contracts.SideBuy,
				Quantity:   rapid.Int64Range(1, 10).Draw(t, fmt.Sprintf("qty-%d", i)),
				LimitPrice: decimal.NewFromInt(rapid.Int64Range(1, 9).Draw(t, fmt.Sprintf("price-%d", i))),
			})
			if err != nil {
				t.Fatalf("place: %v", err)
			}
		}
		m.advance(time.Hour)

		sweepers := rapid.IntRange(2, 4).Draw(t, "sweepers")
		counts := make([]int, sweepers)
		var wg sync.WaitGroup
		for i := 0; i < sweepers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				counts[i], _ = m.book.ExpireDue(ctx, 0)
			}(i)
		}
		wg.Wait()

		total := 0
		for _, c := range counts {
			total += c
		}
		if total != n {
			t.Fatalf("expired %d times for %d orders", total, n)
		}
		m.check(t)
	})
}
