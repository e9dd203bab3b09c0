package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
)

// Account 用户账户与功能开关
type Account struct {
	Username    string `json:"username"`
	Phone       string `json:"phone"`
	PointerUser string `json:"pointer_user"`
	Pointer     bool   `json:"pointer"`
	LateRides   bool   `json:"late_rides"`
	Batteries   bool   `json:"batteries"`
	LongRides   bool   `json:"long_rides"`
}

// Default 默认账户：系统用户名，全部功能开启
func Default() Account {
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	a := Account{
		Username:  name,
		Pointer:   true,
		LateRides: true,
		Batteries: true,
		LongRides: true,
	}
	return a
}

// Normalize 长途或电量告警依赖定位服务，开启任一项时强制开启 pointer
func (a *Account) Normalize() {
	if a.LongRides || a.Batteries {
		a.Pointer = true
	}
	if a.PointerUser == "" {
		a.PointerUser = a.Username
	}
}

// NeedsSetup 缺少登录定位服务所需的信息
func (a Account) NeedsSetup() bool {
	return a.Pointer && (a.PointerUser == "" || a.Phone == "")
}

// Store 账户文件存储，每次修改整体写回
type Store struct {
	path string
	mu   sync.RWMutex
	acc  Account
}

// NewStore 创建存储（未加载）
func NewStore(path string) *Store {
	return &Store{path: path, acc: Default()}
}

// Load 读取账户文件，不存在时使用默认值并写入
func (s *Store) Load() (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := Default()
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		acc.Normalize()
		s.acc = acc
		if err := s.write(acc); err != nil {
			return acc, err
		}
		return acc, nil
	case err != nil:
		return acc, fmt.Errorf("read account file: %w", err)
	}

	if err := json.Unmarshal(data, &acc); err != nil {
		// 损坏的文件先备份，之后写回默认值时不会丢失原内容
		if berr := os.WriteFile(s.BackupPath(), data, 0o600); berr != nil {
			return Default(), fmt.Errorf("parse account file: %w (backup failed: %v)", err, berr)
		}
		return Default(), fmt.Errorf("parse account file: %w", err)
	}
	acc.Normalize()
	s.acc = acc
	return acc, nil
}

// BackupPath 解析失败时原文件的备份位置
func (s *Store) BackupPath() string {
	return s.path + ".bak"
}

// Get 当前账户快照
func (s *Store) Get() Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acc
}

// Update 修改账户并立即写回文件
func (s *Store) Update(fn func(a *Account)) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.acc
	fn(&next)
	next.Normalize()

	if err := s.write(next); err != nil {
		return s.acc, err
	}
	s.acc = next
	return next, nil
}

// Save 把当前账户写回文件
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.acc)
}

func (s *Store) write(a Account) error {
	data, err := json.MarshalIndent(a, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".account-*.json")
	if err != nil {
		return fmt.Errorf("create temp account file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write account file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close account file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace account file: %w", err)
	}
	return nil
}
