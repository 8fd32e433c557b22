package background

import (
	"context"
	"errors"
	"time"

	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/metrics"
	"homeservice-realtime/service"

	"github.com/rs/zerolog"
)

const (
	expiryCheckInterval = time.Minute
	expiryBatchSize     = 100
)

// StaleOfferFinder 找出推送後無人接單的訂單
type StaleOfferFinder interface {
	ListStaleOffers(ctx context.Context, olderThan time.Time, limit int64) ([]string, error)
}

// OfferExpiryChecker 推送超過期限仍無人接單時，將訂單標記為過期並通知師傅撤回
type OfferExpiryChecker struct {
	logger   zerolog.Logger
	finder   StaleOfferFinder
	dispatch BookingDispatcher
	offerTTL time.Duration
	now      func() time.Time
}

func NewOfferExpiryChecker(logger zerolog.Logger, finder StaleOfferFinder, dispatch BookingDispatcher, offerTTL time.Duration) *OfferExpiryChecker {
	return &OfferExpiryChecker{
		logger:   logger.With().Str("module", "offer_expiry").Logger(),
		finder:   finder,
		dispatch: dispatch,
		offerTTL: offerTTL,
		now:      time.Now,
	}
}

// Start 定期檢查直到 ctx 結束
func (c *OfferExpiryChecker) Start(ctx context.Context) error {
	ticker := time.NewTicker(expiryCheckInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("offer_ttl", c.offerTTL).Msg("訂單逾時檢查器已啟動")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}

// CheckOnce 處理一批逾時訂單，回傳成功撤回的數量
func (c *OfferExpiryChecker) CheckOnce(ctx context.Context) int {
	ctx, span := infra.StartSpan(ctx, "dispatch.expire_offers")
	defer span.End()

	ids, err := c.finder.ListStaleOffers(ctx, c.now().Add(-c.offerTTL), expiryBatchSize)
	if err != nil {
		infra.RecordError(span, err, "查詢逾時訂單失敗")
		c.logger.Error().Err(err).Msg("查詢逾時訂單失敗")
		return 0
	}

	expired := 0
	for _, id := range ids {
		err := c.dispatch.RetractBooking(ctx, id, realtime.RemovedReasonExpired, metrics.SourceSystem)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, service.ErrBookingClosed), errors.Is(err, service.ErrBookingTaken):
			// 查詢後才被接走或取消
		default:
			c.logger.Warn().Err(err).Str("booking_id", id).Msg("標記訂單過期失敗")
		}
	}
	if expired > 0 {
		c.logger.Info().Int("expired", expired).Msg("已撤回逾時未接的訂單")
	}
	infra.MarkSuccess(span, infra.AttrInt("dispatch.expired", expired))
	return expired
}
