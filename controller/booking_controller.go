package controller

import (
	"context"
	"net/http"

	"homeservice-realtime/auth"
	bookingModels "homeservice-realtime/data-models/booking"
	"homeservice-realtime/data-models/common"
	"homeservice-realtime/data-models/realtime"
	"homeservice-realtime/infra"
	"homeservice-realtime/middleware"
	"homeservice-realtime/service"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"
)

type BookingController struct {
	logger          zerolog.Logger
	dispatchService *service.DispatchService
	authMiddleware  *middleware.ActorAuthMiddleware
}

func NewBookingController(logger zerolog.Logger, dispatchService *service.DispatchService, authMiddleware *middleware.ActorAuthMiddleware) *BookingController {
	return &BookingController{
		logger:          logger.With().Str("module", "booking_controller").Logger(),
		dispatchService: dispatchService,
		authMiddleware:  authMiddleware,
	}
}

func (c *BookingController) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-booking",
		Method:      http.MethodGet,
		Path:        "/api/v1/bookings/{id}",
		Summary:     "取得訂單",
		Description: "推播只帶訂單ID時，由此取得完整訂單資料",
		Tags:        []string{"bookings"},
		Security:    []map[string][]string{{"BearerAuth": {}}},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth()},
	}, func(ctx context.Context, input *bookingModels.GetBookingInput) (*bookingModels.GetBookingResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}

		b, err := c.dispatchService.GetBooking(ctx, input.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("booking_id", input.ID).Msg("取得訂單失敗")
			return nil, toHTTPError(err, "訂單不存在")
		}
		// 師傅只能看推送給自己或自己接下的訂單
		switch p.Role {
		case realtime.RoleCustomer:
			if b.Customer.ID != p.ID {
				return nil, huma.Error403Forbidden("無權查看此訂單")
			}
		case realtime.RoleWorker:
			if b.WorkerID != p.ID && !contains(b.OfferedTo, p.ID) {
				return nil, huma.Error403Forbidden("無權查看此訂單")
			}
		}

		payload := b.Payload()
		return &bookingModels.GetBookingResponse{Body: *common.SuccessResponse("取得訂單成功", &payload)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-booking",
		Method:      http.MethodPost,
		Path:        "/api/v1/bookings/{id}/accept",
		Summary:     "師傅接單",
		Description: "同一筆訂單只有一位師傅會成功，其餘回傳 409",
		Tags:        []string{"bookings"},
		Security:    []map[string][]string{{"BearerAuth": {}}},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth()},
	}, func(ctx context.Context, input *bookingModels.AcceptBookingInput) (*bookingModels.AcceptBookingResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}
		if p.Role != realtime.RoleWorker {
			return nil, huma.Error403Forbidden("只有師傅可以接單")
		}

		ctx, span := infra.StartControllerSpan(ctx, "booking", "accept", infra.AttrBookingID(input.ID), infra.AttrWorkerID(p.ID))
		defer span.End()

		b, err := c.dispatchService.AcceptBooking(ctx, input.ID, p)
		if err != nil {
			infra.RecordOperationError(span, err, "接單失敗", infra.AttrErrorType(errorType(err)))
			return nil, toHTTPError(err, "接單失敗")
		}
		infra.RecordOperationSuccess(span, infra.AttrFloat64("booking.amount", b.Amount))

		result := &bookingModels.AcceptResult{
			BookingID: b.ID.Hex(),
			Status:    string(b.Status),
			WorkerID:  b.WorkerID,
		}
		if b.AcceptedAt != nil {
			result.AcceptedAt = *b.AcceptedAt
		}
		return &bookingModels.AcceptBookingResponse{Body: *common.SuccessResponse("接單成功", result)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-booking",
		Method:      http.MethodPost,
		Path:        "/api/v1/bookings/{id}/reject",
		Summary:     "師傅拒單",
		Tags:        []string{"bookings"},
		Security:    []map[string][]string{{"BearerAuth": {}}},
		Middlewares: huma.Middlewares{c.authMiddleware.Auth()},
	}, func(ctx context.Context, input *bookingModels.RejectBookingInput) (*bookingModels.RejectBookingResponse, error) {
		p, err := auth.GetParticipantFromContext(ctx)
		if err != nil {
			return nil, toHTTPError(err, "")
		}
		if p.Role != realtime.RoleWorker {
			return nil, huma.Error403Forbidden("只有師傅可以拒單")
		}

		ctx, span := infra.StartControllerSpan(ctx, "booking", "reject", infra.AttrBookingID(input.ID), infra.AttrWorkerID(p.ID))
		defer span.End()

		remaining, err := c.dispatchService.RejectBooking(ctx, input.ID, p, input.Body.Reason)
		if err != nil {
			infra.RecordOperationError(span, err, "拒單失敗", infra.AttrErrorType(errorType(err)))
			return nil, toHTTPError(err, "拒單失敗")
		}
		infra.RecordOperationSuccess(span, infra.AttrInt("dispatch.remaining_offers", remaining))
		result := &bookingModels.RejectResult{BookingID: input.ID, RemainingOffers: remaining}
		return &bookingModels.RejectBookingResponse{Body: *common.SuccessResponse("已拒單", result)}, nil
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
