package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-engine/internal/audit"
	"settlement-engine/internal/observability/metrics"
	settlement "settlement-engine/internal/settlement/domain"
)

// StoreConfig carries the values stamped onto weekly rows.
type StoreConfig struct {
	Currency          string
	DueDateOffsetDays int
}

// SettlementStore aggregates weeks into the settlement ledger.
type SettlementStore struct {
	repo       settlement.Repository
	aggregator *Aggregator
	cfg        StoreConfig
	clock      Clock
	audit      audit.Logger
	logger     logrus.FieldLogger
}

// NewSettlementStore constructs the store service. auditLog may be nil.
func NewSettlementStore(
	repo settlement.Repository,
	aggregator *Aggregator,
	cfg StoreConfig,
	clock Clock,
	auditLog audit.Logger,
	logger logrus.FieldLogger,
) (*SettlementStore, error) {
	if repo == nil {
		return nil, errors.New("settlement store: nil repository")
	}
	if aggregator == nil {
		return nil, errors.New("settlement store: nil aggregator")
	}
	if cfg.Currency == "" {
		return nil, errors.New("settlement store: empty currency")
	}
	if cfg.DueDateOffsetDays < 0 {
		cfg.DueDateOffsetDays = settlement.DefaultDueDateOffsetDays
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SettlementStore{
		repo:       repo,
		aggregator: aggregator,
		cfg:        cfg,
		clock:      clock,
		audit:      auditLog,
		logger:     logger,
	}, nil
}

// Preview returns the week's aggregates without writing.
func (s *SettlementStore) Preview(ctx context.Context, week settlement.WeekRange) ([]settlement.WeekAggregate, error) {
	return s.aggregator.PreviewAggregates(ctx, week)
}

// UpsertWeek aggregates the week and writes settlements plus order links in
// one transaction. Rows that have left pending are reported as frozen.
func (s *SettlementStore) UpsertWeek(ctx context.Context, week settlement.WeekRange) (settlement.WeekResult, error) {
	started := s.clock.Now()
	log := s.logger.WithFields(logrus.Fields{"iso_year_week": week.IsoYearWeek, "week": week.Label()})

	if err := week.Validate(); err != nil {
		metrics.ObserveWeekAggregate(metrics.ResultError, s.clock.Now().Sub(started), 0, 0, 0)
		return settlement.WeekResult{Week: week}, err
	}

	aggregates, err := s.aggregator.PreviewAggregates(ctx, week)
	if err != nil {
		metrics.ObserveWeekAggregate(metrics.ResultError, s.clock.Now().Sub(started), 0, 0, 0)
		if errors.Is(err, settlement.ErrFinancialInvariant) {
			log.WithError(err).Error("financial invariant violated during aggregation")
		} else {
			log.WithError(err).Warn("week aggregation failed")
		}
		return settlement.WeekResult{Week: week}, err
	}

	result, err := s.repo.ApplyWeek(ctx, week, aggregates, settlement.WeekMeta{
		Currency:          s.cfg.Currency,
		DueDateOffsetDays: s.cfg.DueDateOffsetDays,
		Now:               started.UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		metrics.ObserveWeekAggregate(metrics.ResultError, s.clock.Now().Sub(started), 0, 0, 0)
		log.WithError(err).Warn("week write rolled back")
		return settlement.WeekResult{Week: week}, fmt.Errorf("%w: apply week %s: %w", settlement.ErrAggregation, week.Label(), err)
	}
	metrics.ObserveWeekAggregate(metrics.ResultSuccess, s.clock.Now().Sub(started), result.Created, result.Updated, len(result.Frozen))

	fields := logrus.Fields{
		"restaurants":   len(aggregates),
		"created":       result.Created,
		"updated":       result.Updated,
		"frozen":        len(result.Frozen),
		"links_created": result.LinksCreated,
	}
	log.WithFields(fields).Info("week aggregated")
	for _, id := range result.Frozen {
		log.WithField("settlement_id", id).Info("settlement no longer pending, amounts left unchanged")
	}

	if s.audit != nil {
		entry := audit.NewEntry("", "week.aggregate", audit.ResourceWeek, week.Label(), fields)
		entry.CreatedAt = started.UTC()
		if err := s.audit.Log(ctx, entry); err != nil {
			log.WithError(err).Warn("audit log failed")
		}
	}
	return result, nil
}

// Get returns one settlement.
func (s *SettlementStore) Get(ctx context.Context, id string) (*settlement.Settlement, error) {
	return s.repo.Get(ctx, id)
}

// ListWeek returns every settlement of a week.
func (s *SettlementStore) ListWeek(ctx context.Context, isoYearWeek int) ([]settlement.Settlement, error) {
	return s.repo.ListByWeek(ctx, isoYearWeek)
}

// ListLinks returns the order links of a settlement.
func (s *SettlementStore) ListLinks(ctx context.Context, id string) ([]settlement.OrderLink, error) {
	return s.repo.ListLinks(ctx, id)
}

// LinkedOrders returns the settlement and the ledger view of every linked
// order. Links whose order has since left the ledger are returned with a
// zero amount.
func (s *SettlementStore) LinkedOrders(ctx context.Context, id string) (*settlement.Settlement, []settlement.DeliveredOrder, error) {
	row, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	links, err := s.repo.ListLinks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	orders, err := s.aggregator.ledger.ListRestaurantOrders(ctx, row.RestaurantID, row.WeekStart, row.WeekEnd)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list orders of %s: %w", settlement.ErrAggregation, row.RestaurantID, err)
	}
	byID := make(map[string]settlement.DeliveredOrder, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	out := make([]settlement.DeliveredOrder, 0, len(links))
	for _, link := range links {
		o, ok := byID[link.OrderID]
		if !ok {
			s.logger.WithFields(logrus.Fields{"settlement_id": id, "order_id": link.OrderID}).Warn("linked order missing from ledger")
			o = settlement.DeliveredOrder{ID: link.OrderID, RestaurantID: row.RestaurantID}
		}
		out = append(out, o)
	}
	return row, out, nil
}
