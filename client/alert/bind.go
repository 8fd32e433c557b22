package alert

import (
	"homeservice-realtime/client/router"
	"homeservice-realtime/data-models/realtime"
)

// Bind 將 new_booking 與 booking_removed 接到狀態機，範圍關閉即解除
func (m *Machine) Bind(scope *router.Scope) {
	scope.Track(router.Handle(scope.Router(), realtime.EventNewBooking, m.Offer))
	scope.Track(router.Handle(scope.Router(), realtime.EventBookingRemoved, func(p realtime.BookingRemoved) {
		m.Retract(p.BookingID)
	}))
}
