package plots

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryLedger struct {
	mu       sync.Mutex
	plots    map[int64]Plot
	receipts map[int64]Receipt

	getPlotErr     error
	savePlotErr    error
	saveBatchErr   error
	hasLaterErr    map[int64]error
	reverseExpired bool
	savePlotCalls  int
	saveBatchCalls int
	lastBatch      Batch
	nextReceiptID  int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		plots:       make(map[int64]Plot),
		receipts:    make(map[int64]Receipt),
		hasLaterErr: make(map[int64]error),
	}
}

func (m *memoryLedger) putPlot(p Plot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plots[p.ID] = p
}

func (m *memoryLedger) putReceipt(r Receipt) Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		m.nextReceiptID++
		r.ID = m.nextReceiptID
	} else if r.ID > m.nextReceiptID {
		m.nextReceiptID = r.ID
	}
	m.receipts[r.ID] = r
	return r
}

func (m *memoryLedger) plot(id int64) Plot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plots[id]
}

func (m *memoryLedger) receipt(id int64) Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receipts[id]
}

func (m *memoryLedger) plotReceipts(plotID int64) []Receipt {
	var out []Receipt
	for _, r := range m.receipts {
		if r.BelongsTo(plotID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryLedger) GetPlot(ctx context.Context, id int64) (*Plot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getPlotErr != nil {
		return nil, m.getPlotErr
	}
	p, ok := m.plots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memoryLedger) ListReceiptsForPlot(ctx context.Context, plotID int64) ([]Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plotReceipts(plotID), nil
}

func (m *memoryLedger) ApprovedBookingSum(ctx context.Context, plotID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ReceivedAmount(m.plotReceipts(plotID)), nil
}

func (m *memoryLedger) FindExpiredApprovedTokenReceipts(ctx context.Context, now time.Time) ([]Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Receipt
	for _, r := range m.receipts {
		if r.ReceiptType == ReceiptTypeToken && r.Status == ReceiptStatusApproved &&
			r.TokenExpiryDate != nil && r.TokenExpiryDate.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if m.reverseExpired {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryLedger) HasLaterApprovedBooking(ctx context.Context, plotID int64, after time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hasLaterErr[plotID]; err != nil {
		return false, err
	}
	for _, r := range m.plotReceipts(plotID) {
		if r.ReceiptType == ReceiptTypeBooking && r.Status == ReceiptStatusApproved && r.CreatedAt.After(after) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryLedger) HasOtherActiveToken(ctx context.Context, plotID, excludeReceiptID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.plotReceipts(plotID) {
		if r.ID == excludeReceiptID || r.ReceiptType != ReceiptTypeToken || r.Status != ReceiptStatusApproved {
			continue
		}
		if r.TokenExpiryDate != nil && r.TokenExpiryDate.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryLedger) SavePlot(ctx context.Context, p Plot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savePlotCalls++
	if m.savePlotErr != nil {
		return m.savePlotErr
	}
	if _, ok := m.plots[p.ID]; !ok {
		return ErrNotFound
	}
	m.plots[p.ID] = p
	return nil
}

func (m *memoryLedger) SaveBatch(ctx context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveBatchCalls++
	if m.saveBatchErr != nil {
		return m.saveBatchErr
	}
	for _, r := range b.Receipts {
		stored, ok := m.receipts[r.ID]
		if !ok || stored.Status != ReceiptStatusApproved {
			return ErrConflict
		}
	}
	for _, p := range b.Plots {
		stored, ok := m.plots[p.ID]
		if !ok {
			return ErrConflict
		}
		if version, guarded := b.PlotVersions[p.ID]; guarded && !stored.UpdatedAt.Equal(version) {
			return ErrConflict
		}
	}
	for _, r := range b.Receipts {
		stored := m.receipts[r.ID]
		stored.Status = r.Status
		stored.UpdatedAt = r.UpdatedAt
		m.receipts[r.ID] = stored
	}
	for _, p := range b.Plots {
		stored := m.plots[p.ID]
		stored.Status = p.Status
		stored.ReceivedAmount = p.ReceivedAmount
		stored.UpdatedAt = p.UpdatedAt
		m.plots[p.ID] = stored
	}
	m.lastBatch = b
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []StatusChange
	err     error
}

func (n *recordingNotifier) PublishStatusChange(ctx context.Context, change StatusChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
	return n.err
}

var baseTime = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// pricedPlot returns a plot of area 1 so that rate equals total price.
func pricedPlot(id int64, price string, status PlotStatus) Plot {
	return Plot{
		ID:             id,
		SiteName:       "Green Valley",
		PlotNumber:     "A-" + decimal.NewFromInt(id).String(),
		Area:           decimal.NewFromInt(1),
		Rate:           dec(price),
		Status:         status,
		ReceivedAmount: decimal.Zero,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
}

func tokenReceipt(plotID int64, amount string, createdAt time.Time, expiry time.Time, status ReceiptStatus) Receipt {
	r := Receipt{
		ReceiptType:     ReceiptTypeToken,
		Status:          status,
		Amount:          dec(amount),
		TokenExpiryDate: timePtr(expiry),
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	if plotID != 0 {
		r.PlotID = int64Ptr(plotID)
	}
	return r
}

func bookingReceipt(plotID int64, amount string, createdAt time.Time, status ReceiptStatus) Receipt {
	return Receipt{
		PlotID:      int64Ptr(plotID),
		ReceiptType: ReceiptTypeBooking,
		Status:      status,
		Amount:      dec(amount),
		TotalAmount: dec(amount),
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}
