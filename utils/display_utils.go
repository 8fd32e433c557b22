package utils

import "strings"

// ShortID 從完整的 ID 生成短 ID，格式為 # + 最後四碼
// 例如："507f1f77bcf86cd799439011" -> "#9011"
func ShortID(fullID string) string {
	if fullID == "" {
		return ""
	}
	if len(fullID) < 4 {
		return "#" + fullID
	}
	return "#" + fullID[len(fullID)-4:]
}

// JoinNonEmpty 以分隔字串連接非空白的欄位
func JoinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
