package infra

// QueueName 定義 RabbitMQ 隊列名稱的枚舉類型
type QueueName string

const (
	// QueueNameBookingCreated 新訂單待派送
	QueueNameBookingCreated QueueName = "booking_created"

	// QueueNameBookingCancelled 客戶取消訂單
	QueueNameBookingCancelled QueueName = "booking_cancelled"

	// QueueNameBookingExpired 訂單逾時未被接單
	QueueNameBookingExpired QueueName = "booking_expired"

	// QueueNamePushNotifications 離線推播任務
	QueueNamePushNotifications QueueName = "push_notifications"
)

// String 實現 Stringer 接口，返回隊列名稱字符串
func (qn QueueName) String() string {
	return string(qn)
}

// GetAllQueueNames 返回所有定義的隊列名稱
func GetAllQueueNames() []QueueName {
	return []QueueName{
		QueueNameBookingCreated,
		QueueNameBookingCancelled,
		QueueNameBookingExpired,
		QueueNamePushNotifications,
	}
}
