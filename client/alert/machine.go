// Package alert 實作師傅端的新訂單全螢幕提醒狀態機。
//
// 同一時間最多顯示一筆訂單，新的 new_booking 直接取代目前的提醒（不排隊）。
// 所有 HTTP 呼叫都是非同步的，回應抵達時若提醒已被撤回或取代，結果直接丟棄。
// 按下接單即回到 idle，接單回應抵達前的新訂單照常顯示。
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"

	bookingModels "homeservice-realtime/data-models/booking"
	"homeservice-realtime/data-models/realtime"

	"github.com/rs/zerolog"
)

// State 狀態
type State string

const (
	StateIdle    State = "idle"
	StateRinging State = "ringing"
)

// Outcome 提醒關閉的原因
type Outcome string

const (
	// OutcomeAcceptPending 已送出接單，結果稍後以導頁或錯誤呈現
	OutcomeAcceptPending Outcome = "accept_pending"
	OutcomeRejected      Outcome = "rejected"
	OutcomeRetracted     Outcome = "retracted"
	OutcomeReset         Outcome = "reset"
)

var (
	// ErrNoAlert 目前沒有可操作的提醒
	ErrNoAlert = errors.New("目前沒有新訂單提醒")
	// ErrBookingUnavailable 訂單已無法接單
	ErrBookingUnavailable = errors.New("訂單已被處理")
	// ErrIncompleteBooking 訂單資料不完整
	ErrIncompleteBooking = errors.New("訂單資料不完整")
)

// Ringer 提醒鈴聲與震動，Start 後持續播放直到 Stop
type Ringer interface {
	Start()
	Stop()
}

// BookingAPI 提醒需要的後端呼叫
type BookingAPI interface {
	AcceptBooking(ctx context.Context, bookingID string) (*bookingModels.AcceptResult, error)
	RejectBooking(ctx context.Context, bookingID, reason string) error
	GetBooking(ctx context.Context, bookingID string) (*realtime.BookingPayload, error)
}

// Presenter 畫面操作；在狀態機的鎖內呼叫，實作不可同步回呼 Machine
type Presenter interface {
	Show(booking realtime.BookingPayload)
	Dismiss(bookingID string, outcome Outcome)
	NavigateToActiveBookings(bookingID string)
	Error(err error)
}

// Machine 新訂單提醒狀態機
type Machine struct {
	api       BookingAPI
	ringer    Ringer
	presenter Presenter
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	current  *realtime.BookingPayload
	ringing  bool
	gen      uint64
	fetchID  string
	fetchGen uint64
	// acceptID 等待回應的接單，撤回、新訂單或登出都會讓回應作廢
	acceptID string

	wg sync.WaitGroup
}

// NewMachine 建立狀態機
func NewMachine(api BookingAPI, ringer Ringer, presenter Presenter, logger zerolog.Logger) *Machine {
	return &Machine{
		api:       api,
		ringer:    ringer,
		presenter: presenter,
		logger:    logger.With().Str("module", "booking_alert").Logger(),
		state:     StateIdle,
	}
}

// State 目前狀態
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current 目前顯示的訂單
func (m *Machine) Current() (realtime.BookingPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return realtime.BookingPayload{}, false
	}
	return *m.current, true
}

// Wait 等待進行中的 HTTP 呼叫結束
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Offer 收到新訂單，取代目前的提醒並重新開始響鈴
func (m *Machine) Offer(b realtime.BookingPayload) {
	if !b.Valid() {
		m.logger.Warn().Str("booking_id", b.ID).Msg("訂單資料不完整，不顯示提醒")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.offerLocked(b)
}

func (m *Machine) offerLocked(b realtime.BookingPayload) {
	// 新訂單優先於尚未完成的依 ID 取回與接單回應
	m.fetchID = ""
	m.fetchGen++
	if m.acceptID != "" {
		m.logger.Info().Str("accepting_id", m.acceptID).Str("booking_id", b.ID).Msg("接單回應前收到新訂單，回應將被忽略")
		m.acceptID = ""
	}

	if m.current != nil {
		m.logger.Info().Str("replaced_id", m.current.ID).Str("booking_id", b.ID).Msg("新訂單取代目前提醒")
	}
	m.stopRingerLocked()
	m.gen++
	booking := b
	m.current = &booking
	m.state = StateRinging
	m.ringer.Start()
	m.ringing = true
	m.presenter.Show(booking)

	m.logger.Info().Str("booking_id", b.ID).Uint64("generation", m.gen).Msg("顯示新訂單提醒")
}

// OfferByID 推播只帶訂單 ID 時，先取回訂單再顯示；失敗時維持原狀並顯示錯誤
func (m *Machine) OfferByID(ctx context.Context, bookingID string) {
	m.mu.Lock()
	if m.current != nil && m.current.ID == bookingID {
		m.mu.Unlock()
		return
	}
	m.fetchGen++
	fetchGen := m.fetchGen
	m.fetchID = bookingID
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		b, err := m.api.GetBooking(ctx, bookingID)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.fetchGen != fetchGen {
			m.logger.Debug().Str("booking_id", bookingID).Msg("取回的訂單已過期，丟棄")
			return
		}
		m.fetchID = ""

		switch {
		case err != nil:
			m.logger.Error().Err(err).Str("booking_id", bookingID).Msg("取得訂單失敗")
			m.presenter.Error(fmt.Errorf("取得訂單 %s 失敗: %w", bookingID, err))
		case !b.Open():
			m.logger.Info().Str("booking_id", bookingID).Str("status", b.Status).Msg("訂單已不可接")
			m.presenter.Error(ErrBookingUnavailable)
		case !b.Valid():
			m.presenter.Error(ErrIncompleteBooking)
		default:
			m.offerLocked(*b)
		}
	}()
}

// Retract 收到 booking_removed：若正顯示該訂單則靜默關閉，不呼叫後端也不顯示訊息
func (m *Machine) Retract(bookingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchID == bookingID {
		m.fetchID = ""
		m.fetchGen++
	}
	if m.acceptID == bookingID {
		m.acceptID = ""
		m.logger.Info().Str("booking_id", bookingID).Msg("接單回應前訂單已被撤回")
	}
	if m.current == nil || m.current.ID != bookingID {
		m.logger.Debug().Str("booking_id", bookingID).Msg("撤回的訂單不在畫面上，忽略")
		return
	}
	m.closeLocked(OutcomeRetracted)
	m.logger.Info().Str("booking_id", bookingID).Msg("訂單已被撤回，關閉提醒")
}

// Accept 接單；立即關閉提醒回到 idle，回應成功才導向進行中訂單，失敗顯示錯誤
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return ErrNoAlert
	}
	bookingID := m.current.ID
	m.closeLocked(OutcomeAcceptPending)
	m.acceptID = bookingID
	gen := m.gen
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("booking_id", bookingID).Msg("送出接單")

	go func() {
		defer m.wg.Done()
		_, err := m.api.AcceptBooking(ctx, bookingID)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.acceptID != bookingID {
			m.logger.Info().Err(err).Str("booking_id", bookingID).Msg("接單回應已過期，忽略")
			return
		}
		m.acceptID = ""
		if err != nil {
			m.logger.Error().Err(err).Str("booking_id", bookingID).Msg("接單失敗")
			m.presenter.Error(fmt.Errorf("接單失敗: %w", err))
			return
		}
		m.presenter.NavigateToActiveBookings(bookingID)
		m.logger.Info().Str("booking_id", bookingID).Msg("接單成功")
	}()
	return nil
}

// Reject 拒單；立即關閉提醒，後端呼叫失敗只顯示錯誤
func (m *Machine) Reject(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return ErrNoAlert
	}
	bookingID := m.current.ID
	m.closeLocked(OutcomeRejected)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("booking_id", bookingID).Msg("送出拒單")

	go func() {
		defer m.wg.Done()
		if err := m.api.RejectBooking(ctx, bookingID, reason); err != nil {
			m.logger.Error().Err(err).Str("booking_id", bookingID).Msg("拒單失敗")
			m.mu.Lock()
			m.presenter.Error(fmt.Errorf("拒單失敗: %w", err))
			m.mu.Unlock()
		}
	}()
	return nil
}

// Reset 登出或中斷連線時清除提醒
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchID = ""
	m.fetchGen++
	m.acceptID = ""
	if m.current == nil {
		return
	}
	m.closeLocked(OutcomeReset)
}

// Revalidate 重新連線後向後端確認目前提醒，斷線期間漏掉的 booking_removed 以此補上。
// 訂單已不可接時靜默關閉；查詢失敗則維持原狀。
func (m *Machine) Revalidate(ctx context.Context) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	bookingID := m.current.ID
	gen := m.gen
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		b, err := m.api.GetBooking(ctx, bookingID)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("重新確認訂單失敗，保留提醒")
			return
		}
		if !b.Open() {
			m.closeLocked(OutcomeRetracted)
			m.logger.Info().Str("booking_id", bookingID).Str("status", b.Status).Msg("斷線期間訂單已不可接，關閉提醒")
		}
	}()
}

func (m *Machine) closeLocked(outcome Outcome) {
	m.stopRingerLocked()
	bookingID := m.current.ID
	m.gen++
	m.current = nil
	m.state = StateIdle
	m.presenter.Dismiss(bookingID, outcome)
}

func (m *Machine) stopRingerLocked() {
	if m.ringing {
		m.ringer.Stop()
		m.ringing = false
	}
}
