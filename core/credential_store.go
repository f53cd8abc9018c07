package core

import (
	"fmt"
	"lookup-gateway/core/storage"
	"lookup-gateway/models"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// AllCallers ResetCallerSlot 的通配 caller
const AllCallers = "all"

// minSecretLength 短于等于这个长度的 secret 视为未配置
const minSecretLength = 10

var placeholderPattern = regexp.MustCompile(`(?i)^(your[_\- ].*|.*placeholder.*|.*changeme.*|replace[_\-]?me|x{3,}|<.*>|\.{3,}|none|null|todo|tbd)$`)

// IsConfiguredSecret secret 存在、不是占位符、且长度超过阈值
func IsConfiguredSecret(secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" || placeholderPattern.MatchString(secret) {
		return false
	}
	return len(secret) > minSecretLength
}

// settingsDocument 持久化的 slot 选择
type settingsDocument struct {
	PerCallerOverrides map[string]map[string]int `json:"per_caller_overrides"`
	GlobalDefaults     map[string]int            `json:"global_defaults"`
}

// SlotInfo ListSlots 的单项
type SlotInfo struct {
	Slot           int    `json:"slot"`
	Variable       string `json:"variable,omitempty"`
	Configured     bool   `json:"configured"`
	ActiveGlobally bool   `json:"active_globally"`
}

// SlotStats 单个 provider 的凭据统计
type SlotStats struct {
	Provider         string `json:"provider"`
	Capacity         int    `json:"capacity"`
	Configured       int    `json:"configured"`
	ActiveSlot       int    `json:"active_slot"`
	ActiveConfigured bool   `json:"active_configured"`
	// Available 除当前 active slot 之外可切换的已配置 slot 数
	Available int `json:"available"`
	Overrides int `json:"overrides"`
}

// CredentialStore 管理每个 provider 的凭据 slot、全局 active slot 和 caller 覆盖
// 唯一写 settings 文件的组件
type CredentialStore struct {
	registry     *Registry
	logger       *logrus.Logger
	settingsPath string
	vault        CredentialVault

	mu        sync.RWMutex
	secrets   map[string][]string       // provider -> secrets[slot-1]
	global    map[string]int            // provider -> slot
	overrides map[string]map[string]int // caller -> provider -> slot
}

// NewCredentialStore 从环境快照加载凭据，从 settingsPath 加载 slot 选择
// vault 可以为 nil (替换的凭据只保存在内存)
func NewCredentialStore(
	registry *Registry,
	environ map[string]string,
	settingsPath string,
	vault CredentialVault,
	logger *logrus.Logger,
) (*CredentialStore, error) {
	s := &CredentialStore{
		registry:     registry,
		logger:       logger,
		settingsPath: settingsPath,
		vault:        vault,
		secrets:      make(map[string][]string),
		global:       make(map[string]int),
		overrides:    make(map[string]map[string]int),
	}

	for _, p := range registry.All() {
		slots := make([]string, p.Capacity)
		for slot := 1; slot <= p.Capacity; slot++ {
			for _, name := range p.SlotVariables(slot) {
				if v := strings.TrimSpace(environ[name]); v != "" {
					slots[slot-1] = v
					break
				}
			}
		}
		s.secrets[p.ID] = slots

		if p.Capacity > 1 {
			if raw, ok := environ[p.ActiveVariable()]; ok {
				slot, err := strconv.Atoi(strings.TrimSpace(raw))
				if err != nil || !p.ValidSlot(slot) {
					logger.Warnf("Ignoring %s=%q: not a slot in [1, %d]", p.ActiveVariable(), raw, p.Capacity)
				} else {
					s.global[p.ID] = slot
				}
			}
		}
	}

	if vault != nil {
		stored, err := vault.LoadCredentials()
		if err != nil {
			return nil, fmt.Errorf("failed to load stored credentials: %w", err)
		}
		for providerID, slots := range stored {
			p, err := registry.Get(providerID)
			if err != nil {
				logger.Warnf("Ignoring stored credential for unknown provider %s", providerID)
				continue
			}
			for slot, secret := range slots {
				if !p.ValidSlot(slot) {
					logger.Warnf("Ignoring stored credential %s slot %d: out of range", providerID, slot)
					continue
				}
				s.secrets[providerID][slot-1] = secret
			}
		}
	}

	s.loadSettings()
	return s, nil
}

// loadSettings 读取 settings 文件，损坏时退回空文档，不影响启动
func (s *CredentialStore) loadSettings() {
	var doc settingsDocument
	found, err := storage.ReadJSON(s.settingsPath, &doc)
	if err != nil {
		s.logger.Errorf("Settings file unreadable, starting with defaults: %v", err)
		return
	}
	if !found {
		return
	}

	for providerID, slot := range doc.GlobalDefaults {
		p, err := s.registry.Get(providerID)
		if err != nil || !p.ValidSlot(slot) {
			s.logger.Warnf("Dropping global default %s=%d from settings", providerID, slot)
			continue
		}
		s.global[providerID] = slot
	}
	for caller, perProvider := range doc.PerCallerOverrides {
		for providerID, slot := range perProvider {
			p, err := s.registry.Get(providerID)
			if err != nil || !p.ValidSlot(slot) {
				s.logger.Warnf("Dropping override %s/%s=%d from settings", caller, providerID, slot)
				continue
			}
			if s.overrides[caller] == nil {
				s.overrides[caller] = make(map[string]int)
			}
			s.overrides[caller][providerID] = slot
		}
	}
}

// persistLocked 整文件重写 settings，调用方持有写锁
func (s *CredentialStore) persistLocked() error {
	doc := settingsDocument{
		PerCallerOverrides: make(map[string]map[string]int, len(s.overrides)),
		GlobalDefaults:     make(map[string]int, len(s.global)),
	}
	for k, v := range s.global {
		doc.GlobalDefaults[k] = v
	}
	for caller, perProvider := range s.overrides {
		if len(perProvider) == 0 {
			continue
		}
		m := make(map[string]int, len(perProvider))
		for k, v := range perProvider {
			m[k] = v
		}
		doc.PerCallerOverrides[caller] = m
	}

	if err := storage.WriteJSON(s.settingsPath, doc); err != nil {
		s.logger.Errorf("Failed to persist settings: %v", err)
		return &PersistenceError{Path: s.settingsPath, Err: err}
	}
	return nil
}

func (s *CredentialStore) provider(id string) (Provider, error) {
	return s.registry.Get(id)
}

func (s *CredentialStore) configuredLocked(p Provider, slot int) bool {
	if !p.ValidSlot(slot) {
		return false
	}
	return IsConfiguredSecret(s.secrets[p.ID][slot-1])
}

func (s *CredentialStore) globalSlotLocked(p Provider) int {
	if slot, ok := s.global[p.ID]; ok && p.ValidSlot(slot) {
		return slot
	}
	return 1
}

// activeSlotLocked 有效 slot = 合法的 caller 覆盖 > 全局默认 > 1
func (s *CredentialStore) activeSlotLocked(p Provider, callerID string) int {
	if callerID != "" {
		if slot, ok := s.overrides[callerID][p.ID]; ok && p.ValidSlot(slot) {
			return slot
		}
	}
	return s.globalSlotLocked(p)
}

// ActiveSlot 返回 (provider, caller) 的有效 slot，不要求 slot 已配置
func (s *CredentialStore) ActiveSlot(providerID, callerID string) (int, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeSlotLocked(p, strings.TrimSpace(callerID)), nil
}

// ActiveCredential 返回有效 slot 的 secret，未配置时返回 ErrNotConfigured
func (s *CredentialStore) ActiveCredential(providerID, callerID string) (string, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot := s.activeSlotLocked(p, strings.TrimSpace(callerID))
	if !s.configuredLocked(p, slot) {
		return "", fmt.Errorf("%w: %s slot %d", ErrNotConfigured, p.ID, slot)
	}
	return strings.TrimSpace(s.secrets[p.ID][slot-1]), nil
}

// IsConfigured slot 是否有可用凭据
func (s *CredentialStore) IsConfigured(providerID string, slot int) bool {
	p, err := s.provider(providerID)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configuredLocked(p, slot)
}

// SetGlobalActiveSlot 管理员设置全局 active slot
func (s *CredentialStore) SetGlobalActiveSlot(providerID string, slot int) error {
	p, err := s.provider(providerID)
	if err != nil {
		return err
	}
	if !p.ValidSlot(slot) {
		return &SlotError{Provider: p.ID, Slot: slot}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[p.ID] = slot
	s.logger.Infof("Global active slot for %s set to %d", p.ID, slot)
	return s.persistLocked()
}

// SetCallerSlot caller 自己选择 slot，目标 slot 必须已配置
func (s *CredentialStore) SetCallerSlot(providerID, callerID string, slot int) error {
	return s.setCallerSlot(providerID, callerID, slot, true)
}

// ForceCallerSlot 管理员为 caller 设置 slot，跳过已配置检查
func (s *CredentialStore) ForceCallerSlot(providerID, callerID string, slot int) error {
	return s.setCallerSlot(providerID, callerID, slot, false)
}

func (s *CredentialStore) setCallerSlot(providerID, callerID string, slot int, requireConfigured bool) error {
	p, err := s.provider(providerID)
	if err != nil {
		return err
	}
	callerID = strings.TrimSpace(callerID)
	if callerID == "" || callerID == AllCallers {
		return fmt.Errorf("%w: caller id %q", ErrInvalidInput, callerID)
	}
	if !p.ValidSlot(slot) {
		return &SlotError{Provider: p.ID, Slot: slot}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if requireConfigured && !s.configuredLocked(p, slot) {
		return &SlotError{Provider: p.ID, Slot: slot, Reason: ErrNotConfigured}
	}
	if s.overrides[callerID] == nil {
		s.overrides[callerID] = make(map[string]int)
	}
	s.overrides[callerID][p.ID] = slot
	s.logger.Infof("Caller %s pinned %s to slot %d", callerID, p.ID, slot)
	return s.persistLocked()
}

// ResetCallerSlot 删除 caller 的覆盖；callerID 为 "all" 时删除所有 caller 的覆盖
func (s *CredentialStore) ResetCallerSlot(providerID, callerID string) error {
	p, err := s.provider(providerID)
	if err != nil {
		return err
	}
	callerID = strings.TrimSpace(callerID)

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for caller, perProvider := range s.overrides {
		if callerID != AllCallers && caller != callerID {
			continue
		}
		if _, ok := perProvider[p.ID]; ok {
			delete(perProvider, p.ID)
			changed = true
		}
		if len(perProvider) == 0 {
			delete(s.overrides, caller)
		}
	}
	if !changed {
		return nil
	}
	s.logger.Infof("Reset %s override for caller %s", p.ID, callerID)
	return s.persistLocked()
}

// RotateToNextConfigured 从当前全局 slot 往后找下一个已配置 slot 并设为全局 active
// 已配置 slot 不足两个时总是返回 ErrNoAlternative，即使当前 slot 未配置
// 持久化失败时仍返回新 slot (内存已切换) 和 PersistenceError
func (s *CredentialStore) RotateToNextConfigured(providerID string) (int, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.globalSlotLocked(p)
	configured := 0
	for slot := 1; slot <= p.Capacity; slot++ {
		if s.configuredLocked(p, slot) {
			configured++
		}
	}
	if configured < 2 {
		return 0, fmt.Errorf("%w: %s has %d configured slot(s)", ErrNoAlternative, p.ID, configured)
	}

	for i := 1; i <= p.Capacity; i++ {
		candidate := (current-1+i)%p.Capacity + 1
		if candidate == current {
			continue
		}
		if s.configuredLocked(p, candidate) {
			s.global[p.ID] = candidate
			s.logger.Infof("Rotated %s from slot %d to slot %d", p.ID, current, candidate)
			return candidate, s.persistLocked()
		}
	}
	return 0, fmt.Errorf("%w: %s (current slot %d)", ErrNoAlternative, p.ID, current)
}

// ListSlots 按 slot 顺序列出
func (s *CredentialStore) ListSlots(providerID string) ([]SlotInfo, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := s.globalSlotLocked(p)
	out := make([]SlotInfo, 0, p.Capacity)
	for slot := 1; slot <= p.Capacity; slot++ {
		info := SlotInfo{
			Slot:           slot,
			Configured:     s.configuredLocked(p, slot),
			ActiveGlobally: slot == active,
		}
		// 无需凭据的 provider 不展示环境变量
		if p.NeedsCredential {
			info.Variable = p.SlotVariable(slot)
		}
		out = append(out, info)
	}
	return out, nil
}

// Stats 单个 provider 的统计
func (s *CredentialStore) Stats(providerID string) (SlotStats, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return SlotStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := s.globalSlotLocked(p)
	st := SlotStats{Provider: p.ID, Capacity: p.Capacity, ActiveSlot: active}
	for slot := 1; slot <= p.Capacity; slot++ {
		if !s.configuredLocked(p, slot) {
			continue
		}
		st.Configured++
		if slot == active {
			st.ActiveConfigured = true
		} else {
			st.Available++
		}
	}
	for _, perProvider := range s.overrides {
		if _, ok := perProvider[p.ID]; ok {
			st.Overrides++
		}
	}
	return st, nil
}

// CallerOverrides 返回 caller 当前的所有覆盖 (provider -> slot)
func (s *CredentialStore) CallerOverrides(callerID string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.overrides[callerID]))
	for k, v := range s.overrides[callerID] {
		out[k] = v
	}
	return out
}

// ReplaceCredential 管理员替换 slot 的 secret，进程内立即生效并写入 vault
func (s *CredentialStore) ReplaceCredential(providerID string, slot int, secret string) error {
	p, err := s.provider(providerID)
	if err != nil {
		return err
	}
	if !p.ValidSlot(slot) {
		return &SlotError{Provider: p.ID, Slot: slot}
	}
	secret = strings.TrimSpace(secret)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[p.ID][slot-1] = secret
	s.logger.Infof("Replaced credential %s slot %d (%s)", p.ID, slot, models.MaskAPIKey(secret))

	if s.vault == nil {
		return nil
	}
	if err := s.vault.SaveCredential(p.ID, slot, secret); err != nil {
		s.logger.Errorf("Failed to store credential %s slot %d: %v", p.ID, slot, err)
		return &PersistenceError{Path: "credential vault", Err: err}
	}
	return nil
}

// Providers 按 ID 排序的 provider 列表
func (s *CredentialStore) Providers() []string {
	all := s.registry.All()
	ids := make([]string, 0, len(all))
	for _, p := range all {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}
