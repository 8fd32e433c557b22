package utils

import "time"

// GetTaipeiLocation 取得台北時區
func GetTaipeiLocation() *time.Location {
	return time.FixedZone("Asia/Taipei", 8*3600)
}

// FormatTaipeiTime 將指定時間轉換為台北時間的月日時分格式字串 (MM/dd HH:mm)
func FormatTaipeiTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(GetTaipeiLocation()).Format("01/02 15:04")
}
