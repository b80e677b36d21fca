package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
)

var (
	ErrUserExists   = errors.New("User already exists")
	ErrUserNotFound = errors.New("User not found")
)

type usersFile struct {
	Users []string `json:"users"`
}

// UserStore 允许使用插件的用户名单，保存在 JSON 文件中
type UserStore struct {
	mu    sync.RWMutex
	path  string
	users []string
}

// LoadUserStore 读取用户名单，文件不存在时创建空名单
func LoadUserStore(path string) (*UserStore, error) {
	s := &UserStore{path: path, users: []string{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("写入空配置文件失败: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var f usersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if f.Users != nil {
		s.users = f.Users
	}
	return s, nil
}

func (s *UserStore) save() error {
	data, err := json.Marshal(usersFile{Users: s.users})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

// Has 用户是否在名单中
func (s *UserStore) Has(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.users, user)
}

// List 名单副本
func (s *UserStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.users)
}

// Add 添加用户并保存
func (s *UserStore) Add(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.users, user) {
		return ErrUserExists
	}
	s.users = append(s.users, user)
	return s.save()
}

// Remove 移除用户并保存
func (s *UserStore) Remove(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.users, user)
	if i < 0 {
		return ErrUserNotFound
	}
	s.users = slices.Delete(s.users, i, i+1)
	return s.save()
}
