package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/seckill/internal/clock"
	"github.com/rl1809/seckill/internal/core/domain"
	"github.com/rl1809/seckill/internal/metrics"
	"github.com/rl1809/seckill/internal/metrics/metricstest"
)

type fakeLedger struct {
	mu         sync.Mutex
	stock      map[int64]int
	holders    map[int64]map[string]bool
	restores   int
	restoreErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{stock: map[int64]int{}, holders: map[int64]map[string]bool{}}
}

func (l *fakeLedger) set(productID int64, stock int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[productID] = stock
	l.holders[productID] = map[string]bool{}
}

func (l *fakeLedger) Reserve(_ context.Context, productID int64, identity string) (domain.ReserveResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[productID][identity] {
		return domain.ReserveAlreadyReserved, nil
	}
	if l.stock[productID] <= 0 {
		return domain.ReserveSoldOut, nil
	}
	l.stock[productID]--
	if l.holders[productID] == nil {
		l.holders[productID] = map[string]bool{}
	}
	l.holders[productID][identity] = true
	return domain.ReserveSuccess, nil
}

func (l *fakeLedger) Restore(_ context.Context, productID int64, identity string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.restoreErr != nil {
		return false, l.restoreErr
	}
	if !l.holders[productID][identity] {
		return false, nil
	}
	delete(l.holders[productID], identity)
	l.stock[productID]++
	l.restores++
	return true, nil
}

func (l *fakeLedger) state(productID int64) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[productID], len(l.holders[productID])
}

type fakeFilter struct {
	mu    sync.Mutex
	items map[string]bool
	err   error
}

func newFakeFilter() *fakeFilter { return &fakeFilter{items: map[string]bool{}} }

func (f *fakeFilter) Add(ctx context.Context, item string) error {
	return f.AddMany(ctx, []string{item})
}

func (f *fakeFilter) AddMany(_ context.Context, items []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, it := range items {
		f.items[it] = true
	}
	return nil
}

func (f *fakeFilter) Contains(_ context.Context, item string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.items[item], nil
}

type fakeProductCache struct {
	mu       sync.Mutex
	products map[int64]domain.Product
	slots    map[int][]int64
	expiry   map[int64]time.Time
}

func newFakeProductCache() *fakeProductCache {
	return &fakeProductCache{
		products: map[int64]domain.Product{},
		slots:    map[int][]int64{},
		expiry:   map[int64]time.Time{},
	}
}

func (c *fakeProductCache) GetProduct(_ context.Context, productID int64) (*domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (c *fakeProductCache) SaveProduct(_ context.Context, p domain.Product, slot int, expireAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.products[p.ID]; !ok {
		c.slots[slot] = append(c.slots[slot], p.ID)
	}
	c.products[p.ID] = p
	c.expiry[p.ID] = expireAt
	return nil
}

func (c *fakeProductCache) SetProductStatus(_ context.Context, productID int64, status domain.ProductStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.products[productID]; ok {
		p.Status = status
		c.products[productID] = p
	}
	return nil
}

func (c *fakeProductCache) SlotProducts(_ context.Context, slot int) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.slots[slot]...), nil
}

type fakeTokens struct {
	mu      sync.Mutex
	seq     int
	tokens  map[string]domain.TokenClaims
	mintErr error
}

func newFakeTokens() *fakeTokens { return &fakeTokens{tokens: map[string]domain.TokenClaims{}} }

func (f *fakeTokens) Mint(_ context.Context, claims domain.TokenClaims) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mintErr != nil {
		return "", f.mintErr
	}
	f.seq++
	token := fmt.Sprintf("tok-%d", f.seq)
	f.tokens[token] = claims
	return token, nil
}

func (f *fakeTokens) Consume(_ context.Context, token, identity string, productID int64) (domain.TokenClaims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claims, ok := f.tokens[token]
	if !ok {
		return domain.TokenClaims{}, domain.ErrInvalidOrExpiredToken
	}
	if claims.Identity != identity || claims.ProductID != productID {
		return domain.TokenClaims{}, domain.ErrTokenMismatch
	}
	delete(f.tokens, token)
	return claims, nil
}

type fakeResults struct {
	mu      sync.Mutex
	results map[string]domain.PurchaseResult
	ttls    map[string]time.Duration
}

func newFakeResults() *fakeResults {
	return &fakeResults{results: map[string]domain.PurchaseResult{}, ttls: map[string]time.Duration{}}
}

func resultKey(identity string, productID int64) string {
	return fmt.Sprintf("%s:%d", identity, productID)
}

func (f *fakeResults) SetResult(_ context.Context, identity string, productID int64, r domain.PurchaseResult, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[resultKey(identity, productID)] = r
	f.ttls[resultKey(identity, productID)] = ttl
	return nil
}

func (f *fakeResults) GetResult(_ context.Context, identity string, productID int64) (domain.PurchaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[resultKey(identity, productID)]
	if !ok {
		return domain.PurchaseResult{}, domain.ErrResultNotFound
	}
	return r, nil
}

type fakeIDs struct {
	mu   sync.Mutex
	next int64
	err  error
}

func (f *fakeIDs) Next() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return 1000 + f.next, nil
}

type delayedCheck struct {
	msg   domain.TimeoutCheckMessage
	delay time.Duration
}

type fakePublisher struct {
	mu           sync.Mutex
	creates      []domain.CreateOrderMessage
	checks       []delayedCheck
	createErr    error
	timeoutFails int
	timeoutCalls int
}

func (p *fakePublisher) PublishCreateOrder(_ context.Context, msg domain.CreateOrderMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return p.createErr
	}
	p.creates = append(p.creates, msg)
	return nil
}

func (p *fakePublisher) PublishTimeoutCheck(_ context.Context, msg domain.TimeoutCheckMessage, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutCalls++
	if p.timeoutCalls <= p.timeoutFails {
		return fmt.Errorf("broker unavailable")
	}
	p.checks = append(p.checks, delayedCheck{msg: msg, delay: delay})
	return nil
}

func (p *fakePublisher) lastCreate() domain.CreateOrderMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates[len(p.creates)-1]
}

// fakeOrders mirrors the SQL adapters: CreateOrder decrements persisted stock
// only when a unit is left and cancel/pay are conditional on AwaitingPayment.
type fakeOrders struct {
	mu         sync.Mutex
	orders     map[int64]domain.Order
	stock      map[int64]int
	createErrs []error
	creates    int
	getErrs    []error
	cancelErr  error

	// lostCancelAcks commits that many cancels and then reports an error.
	lostCancelAcks int
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: map[int64]domain.Order{}, stock: map[int64]int{}}
}

func (f *fakeOrders) CreateOrder(_ context.Context, order domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.stock[order.ProductID] < order.Quantity {
		return domain.ErrPersistenceConflict
	}
	f.stock[order.ProductID] -= order.Quantity
	f.orders[order.ID] = order
	return nil
}

func (f *fakeOrders) GetOrder(_ context.Context, orderID int64) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (f *fakeOrders) CancelOrder(_ context.Context, orderID int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	o, ok := f.orders[orderID]
	if !ok || o.Status != domain.OrderStatusAwaitingPayment {
		return false, nil
	}
	o.Status = domain.OrderStatusCancelled
	o.CancelledAt = &at
	f.orders[orderID] = o
	f.stock[o.ProductID] += o.Quantity
	if f.lostCancelAcks > 0 {
		f.lostCancelAcks--
		return false, errors.New("commit ack lost")
	}
	return true, nil
}

func (f *fakeOrders) MarkPaid(_ context.Context, orderID int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != domain.OrderStatusAwaitingPayment {
		return false, nil
	}
	o.Status = domain.OrderStatusPaid
	o.PaidAt = &at
	f.orders[orderID] = o
	return true, nil
}

func (f *fakeOrders) ListOrders(_ context.Context, identity string) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if o.Identity == identity {
			out = append(out, o)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (f *fakeOrders) order(id int64) domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *fakeOrders) persistedStock(productID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[productID]
}

type fakeProductRepo struct {
	mu       sync.Mutex
	products map[int64]domain.Product
	updates  []int64
}

func (r *fakeProductRepo) ListSchedulable(_ context.Context, startsBefore, endsAfter time.Time) ([]domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Product
	for _, p := range r.products {
		if p.Status == domain.ProductStatusEnded {
			continue
		}
		if p.StartTime.After(startsBefore) || !p.EndTime.After(endsAfter) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeProductRepo) UpdateStatus(_ context.Context, productID int64, status domain.ProductStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.products[productID]
	p.Status = status
	r.products[productID] = p
	r.updates = append(r.updates, productID)
	return nil
}

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	ledger    *fakeLedger
	filter    *fakeFilter
	products  *fakeProductCache
	tokens    *fakeTokens
	results   *fakeResults
	ids       *fakeIDs
	publisher *fakePublisher
	orders    *fakeOrders
	clock     *clock.Manual
	metrics   *metrics.Recorder
	reader    *sdkmetric.ManualReader
	cfg       Config
	t         *testing.T
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rec, reader := metricstest.NewRecorder(t)
	cfg := DefaultConfig()
	cfg.Persist = Retries(3, 0)
	cfg.Timeout = Retries(3, 0)
	return &testEnv{
		ledger:    newFakeLedger(),
		filter:    newFakeFilter(),
		products:  newFakeProductCache(),
		tokens:    newFakeTokens(),
		results:   newFakeResults(),
		ids:       &fakeIDs{},
		publisher: &fakePublisher{},
		orders:    newFakeOrders(),
		clock:     clock.NewManual(baseTime),
		metrics:   rec,
		reader:    reader,
		cfg:       cfg,
		t:         t,
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		Filter:    e.filter,
		Products:  e.products,
		Ledger:    e.ledger,
		Tokens:    e.tokens,
		Results:   e.results,
		IDs:       e.ids,
		Publisher: e.publisher,
		Orders:    e.orders,
		Clock:     e.clock,
		Metrics:   e.metrics,
		Logger:    zaptest.NewLogger(e.t),
	}
}

func (e *testEnv) orderService() *OrderService    { return NewOrderService(e.deps(), e.cfg) }
func (e *testEnv) worker() *OrderWorker           { return NewOrderWorker(e.deps(), e.cfg) }
func (e *testEnv) supervisor() *TimeoutSupervisor { return NewTimeoutSupervisor(e.deps(), e.cfg) }
func (e *testEnv) collect() metricstest.Snapshot  { return metricstest.Collect(e.t, e.reader) }

// addProduct registers an active product with the same stock in every store.
func (e *testEnv) addProduct(id int64, stock int) {
	e.products.products[id] = domain.Product{
		ID:         id,
		Name:       fmt.Sprintf("product-%d", id),
		BasePrice:  decimal.RequireFromString("999.00"),
		SellPrice:  decimal.RequireFromString("499.50"),
		Stock:      stock,
		TotalStock: stock,
		StartTime:  baseTime.Add(-time.Minute),
		EndTime:    baseTime.Add(time.Hour),
		Status:     domain.ProductStatusActive,
	}
	e.filter.items[fmt.Sprint(id)] = true
	e.ledger.set(id, stock)
	e.orders.stock[id] = stock
}
