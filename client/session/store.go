// Package session 保存登入憑證與使用者資料於本機檔案。
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"homeservice-realtime/data-models/realtime"

	"gopkg.in/yaml.v3"
)

// Profile 登入者資料
type Profile struct {
	Role        realtime.Role `yaml:"role"`
	ID          string        `yaml:"id"`
	DisplayName string        `yaml:"display_name,omitempty"`
	Phone       string        `yaml:"phone,omitempty"`
}

// Participant 以角色與 ID 表示的身分
func (p Profile) Participant() realtime.Participant {
	return realtime.Participant{Role: p.Role, ID: p.ID}
}

// State 寫入檔案的內容
type State struct {
	AccessToken  string  `yaml:"access_token"`
	RefreshToken string  `yaml:"refresh_token,omitempty"`
	PushToken    string  `yaml:"push_token,omitempty"`
	Profile      Profile `yaml:"profile"`
}

// Store 本機工作階段儲存
type Store struct {
	path string

	mu    sync.RWMutex
	state State
}

// Open 讀取既有檔案，不存在時回傳空的 Store
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("讀取工作階段檔案失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("解析工作階段檔案失敗: %w", err)
	}
	return s, nil
}

// Snapshot 目前內容
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AccessToken 目前的存取 token
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccessToken
}

// Tokens 存取與換發 token
func (s *Store) Tokens() (access, refresh string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccessToken, s.state.RefreshToken
}

// Profile 登入者資料
func (s *Store) Profile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Profile
}

// Authenticated 是否有存取 token
func (s *Store) Authenticated() bool {
	return s.AccessToken() != ""
}

// Save 覆寫全部內容
func (s *Store) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return s.flushLocked()
}

// UpdateTokens 換發 token 後更新
func (s *Store) UpdateTokens(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AccessToken = access
	if refresh != "" {
		s.state.RefreshToken = refresh
	}
	return s.flushLocked()
}

// SetPushToken 記錄最後同步成功的推播 token
func (s *Store) SetPushToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PushToken = token
	return s.flushLocked()
}

// PushToken 最後同步成功的推播 token
func (s *Store) PushToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.PushToken
}

// Clear 登出時清除全部內容並刪除檔案
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{}
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("刪除工作階段檔案失敗: %w", err)
	}
	return nil
}

func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("編碼工作階段失敗: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("建立工作階段目錄失敗: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("寫入工作階段檔案失敗: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("寫入工作階段檔案失敗: %w", err)
	}
	return nil
}
