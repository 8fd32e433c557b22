package realtime

import (
	"fmt"
	"strings"
)

// Role 參與者角色
type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
	RoleSupport  Role = "support"
)

// Valid 是否為已知角色
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleWorker, RoleSupport:
		return true
	}
	return false
}

// Participant 唯一的身分表示法：角色加上 ID
type Participant struct {
	Role Role   `json:"role" bson:"role"`
	ID   string `json:"id" bson:"id"`
}

// Key 以 role:id 表示，用於 map key 及 Redis 成員
func (p Participant) Key() string {
	return string(p.Role) + ":" + p.ID
}

// IsZero 是否為空值
func (p Participant) IsZero() bool {
	return p.Role == "" && p.ID == ""
}

func (p Participant) String() string {
	return p.Key()
}

// ParseParticipant 解析 role:id
func ParseParticipant(key string) (Participant, error) {
	role, id, ok := strings.Cut(key, ":")
	if !ok || id == "" || !Role(role).Valid() {
		return Participant{}, fmt.Errorf("無效的參與者: %q", key)
	}
	return Participant{Role: Role(role), ID: id}, nil
}
