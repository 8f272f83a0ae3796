// Package analytics answers read-model questions about sales and commission. Reports are
// computed from committed settlement records and may be served from a short-lived cache.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/uptrace/bun"
)

const dateLayout = "2006-01-02"

type Service struct {
	db       *bun.DB
	Cache    *redis.Client
	CacheTTL time.Duration
	Logger   *logger.Logger
}

func NewService(db *bun.DB, log *logger.Logger) *Service {
	return &Service{db: db, Logger: log}
}

// NewServiceWithCache caches reports in Redis for ttl.
func NewServiceWithCache(db *bun.DB, cache *redis.Client, ttl time.Duration, log *logger.Logger) *Service {
	return &Service{db: db, Cache: cache, CacheTTL: ttl, Logger: log}
}

// Range is a half-open [From, To) window.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r Range) Validate(op string) error {
	if r.From.IsZero() || r.To.IsZero() {
		return apperror.Validation(op, "from and to are required")
	}
	if !r.From.Before(r.To) {
		return apperror.Validation(op, "from must be before to")
	}
	return nil
}

// DailyMetrics is one day of settled sales.
type DailyMetrics struct {
	Date         string `json:"date"`
	Orders       int    `json:"orders"`
	GrossAmount  int64  `json:"gross_amount"`
	AdminFee     int64  `json:"admin_fee"`
	SellerAmount int64  `json:"seller_amount"`
}

// SellerSummary is what a seller sees about their own sales.
type SellerSummary struct {
	SellerID       string                     `json:"seller_id"`
	Range          Range                      `json:"range"`
	OrdersByStatus map[models.OrderStatus]int `json:"orders_by_status"`
	SettledOrders  int                        `json:"settled_orders"`
	GrossSales     int64                      `json:"gross_sales"`
	CommissionPaid int64                      `json:"commission_paid"`
	NetEarnings    int64                      `json:"net_earnings"`
	ReversedOrders int                        `json:"reversed_orders"`
	ReversedAmount int64                      `json:"reversed_amount"`
	Balance        models.SellerBalance       `json:"balance"`
	DailySales     []DailyMetrics             `json:"daily_sales"`
}

// SellerCommission is one seller's share of platform commission.
type SellerCommission struct {
	SellerID    string `bun:"seller_id" json:"seller_id"`
	Orders      int    `bun:"orders" json:"orders"`
	GrossAmount int64  `bun:"gross_amount" json:"gross_amount"`
	AdminFee    int64  `bun:"admin_fee" json:"admin_fee"`
}

// CommissionReport is the platform's commission income. Reversed settlements are reported
// separately and not counted as income.
type CommissionReport struct {
	Range           Range              `json:"range"`
	Transactions    int                `json:"transactions"`
	GrossAmount     int64              `json:"gross_amount"`
	TotalCommission int64              `json:"total_commission"`
	ReversedCount   int                `json:"reversed_count"`
	ReversedFees    int64              `json:"reversed_fees"`
	BySeller        []SellerCommission `json:"by_seller"`
	Daily           []DailyMetrics     `json:"daily"`
}

// GetSellerSummary reports a seller's orders and settlements created within r.
func (s *Service) GetSellerSummary(ctx context.Context, sellerID string, r Range) (*SellerSummary, error) {
	const op = "analytics.GetSellerSummary"
	if sellerID == "" {
		return nil, apperror.Validation(op, "seller id is required")
	}
	if err := r.Validate(op); err != nil {
		return nil, err
	}

	var out SellerSummary
	key := fmt.Sprintf("analytics:seller:%s:%d:%d", sellerID, r.From.Unix(), r.To.Unix())
	if s.cached(ctx, key, &out) {
		return &out, nil
	}

	type statusCount struct {
		Status models.OrderStatus `bun:"status"`
		Count  int                `bun:"count"`
	}
	var counts []statusCount
	err := s.db.NewSelect().
		TableExpr("orders").
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS count").
		Where("seller_id = ?", sellerID).
		Where("created_at >= ? AND created_at < ?", r.From, r.To).
		GroupExpr("status").
		Scan(ctx, &counts)
	if err != nil {
		return nil, fmt.Errorf("%s: count orders: %w", op, err)
	}

	txns, err := s.transactions(ctx, r, sellerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	balance := models.SellerBalance{SellerID: sellerID}
	err = s.db.NewSelect().Model(&balance).Where("seller_id = ?", sellerID).Scan(ctx)
	if err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("%s: load balance: %w", op, err)
	}

	out = SellerSummary{
		SellerID:       sellerID,
		Range:          r,
		OrdersByStatus: make(map[models.OrderStatus]int, len(counts)),
		Balance:        balance,
	}
	for _, c := range counts {
		out.OrdersByStatus[c.Status] = c.Count
	}
	var settled []models.Transaction
	for _, t := range txns {
		if t.Status == models.TransactionReversed {
			out.ReversedOrders++
			out.ReversedAmount += t.SellerAmount
			continue
		}
		settled = append(settled, t)
		out.SettledOrders++
		out.GrossSales += t.GrossAmount
		out.CommissionPaid += t.AdminFee
		out.NetEarnings += t.SellerAmount
	}
	out.DailySales = daily(settled)

	s.store(ctx, key, out)
	return &out, nil
}

// GetPlatformCommission reports commission earned on settlements created within r.
func (s *Service) GetPlatformCommission(ctx context.Context, r Range) (*CommissionReport, error) {
	const op = "analytics.GetPlatformCommission"
	if err := r.Validate(op); err != nil {
		return nil, err
	}

	var out CommissionReport
	key := fmt.Sprintf("analytics:commission:%d:%d", r.From.Unix(), r.To.Unix())
	if s.cached(ctx, key, &out) {
		return &out, nil
	}

	var bySeller []SellerCommission
	err := s.db.NewSelect().
		TableExpr("settlement_transactions").
		ColumnExpr("seller_id").
		ColumnExpr("COUNT(*) AS orders").
		ColumnExpr("SUM(gross_amount) AS gross_amount").
		ColumnExpr("SUM(admin_fee) AS admin_fee").
		Where("status = ?", models.TransactionSucceeded).
		Where("created_at >= ? AND created_at < ?", r.From, r.To).
		GroupExpr("seller_id").
		OrderExpr("admin_fee DESC, seller_id").
		Scan(ctx, &bySeller)
	if err != nil {
		return nil, fmt.Errorf("%s: group by seller: %w", op, err)
	}

	txns, err := s.transactions(ctx, r, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out = CommissionReport{Range: r, BySeller: bySeller}
	if out.BySeller == nil {
		out.BySeller = []SellerCommission{}
	}
	var settled []models.Transaction
	for _, t := range txns {
		if t.Status == models.TransactionReversed {
			out.ReversedCount++
			out.ReversedFees += t.AdminFee
			continue
		}
		settled = append(settled, t)
		out.Transactions++
		out.GrossAmount += t.GrossAmount
		out.TotalCommission += t.AdminFee
	}
	out.Daily = daily(settled)

	s.store(ctx, key, out)
	return &out, nil
}

func (s *Service) transactions(ctx context.Context, r Range, sellerID string) ([]models.Transaction, error) {
	var txns []models.Transaction
	q := s.db.NewSelect().
		Model(&txns).
		Where("t.created_at >= ? AND t.created_at < ?", r.From, r.To).
		Order("t.created_at ASC")
	if sellerID != "" {
		q = q.Where("t.seller_id = ?", sellerID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

// daily buckets by UTC calendar day.
func daily(txns []models.Transaction) []DailyMetrics {
	byDay := make(map[string]*DailyMetrics)
	for _, t := range txns {
		day := t.CreatedAt.UTC().Format(dateLayout)
		m, ok := byDay[day]
		if !ok {
			m = &DailyMetrics{Date: day}
			byDay[day] = m
		}
		m.Orders++
		m.GrossAmount += t.GrossAmount
		m.AdminFee += t.AdminFee
		m.SellerAmount += t.SellerAmount
	}
	out := make([]DailyMetrics, 0, len(byDay))
	for _, m := range byDay {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (s *Service) cached(ctx context.Context, key string, dst any) bool {
	if s.Cache == nil || s.CacheTTL <= 0 {
		return false
	}
	raw, err := s.Cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.Logger.Warn("ANALYTICS", fmt.Sprintf("cache read %s failed: %v", key, err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.Logger.Warn("ANALYTICS", fmt.Sprintf("cache entry %s is corrupt: %v", key, err))
		return false
	}
	return true
}

func (s *Service) store(ctx context.Context, key string, v any) {
	if s.Cache == nil || s.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, key, raw, s.CacheTTL).Err(); err != nil {
		s.Logger.Warn("ANALYTICS", fmt.Sprintf("cache write %s failed: %v", key, err))
	}
}
