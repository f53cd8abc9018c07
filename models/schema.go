package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

// AdminKey 管理员密钥
type AdminKey struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`                                 // 备注，如 "ops-laptop"
	Key       string    `gorm:"uniqueIndex:idx_admin_key" json:"key"` // 实际的 sk-admin-xxx
	CreatedAt time.Time `json:"created_at"`
}

// StoredCredential 管理员替换过的凭据 (密文存储)
// 启动时覆盖环境变量里同一 (provider, slot) 的值
type StoredCredential struct {
	gorm.Model
	Provider  string `gorm:"uniqueIndex:idx_provider_slot;not null" json:"provider"`
	Slot      int    `gorm:"uniqueIndex:idx_provider_slot;not null" json:"slot"`
	Encrypted string `gorm:"not null" json:"-"`
}

// LookupLog 单次 resolve 的审计记录
type LookupLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ResolutionID string    `gorm:"index" json:"resolution_id"`
	Capability   string    `json:"capability"`
	Subject      string    `json:"subject"`
	CallerID     string    `json:"caller_id"`
	Provider     string    `json:"provider"` // 成功的 provider，失败时为空
	FromCache    bool      `json:"from_cache"`
	Success      bool      `json:"success"`
	Attempts     int       `json:"attempts"`
	Duration     int64     `json:"duration"` // 毫秒
	ErrorMsg     string    `json:"error_msg,omitempty"`
}

// ProviderStats 每个 provider 的聚合统计
type ProviderStats struct {
	gorm.Model
	Provider      string  `gorm:"uniqueIndex;not null" json:"provider"`
	Success       int     `gorm:"default:0" json:"success"`
	Error         int     `gorm:"default:0" json:"error"`
	Skipped       int     `gorm:"default:0" json:"skipped"`
	TotalLatency  float64 `gorm:"default:0" json:"total_latency"` // 毫秒
	TotalRequests int64   `gorm:"default:0" json:"total_requests"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AdminKey{},
		&StoredCredential{},
		&LookupLog{},
		&ProviderStats{},
	)
}

// GenerateAdminKey 生成管理员密钥
func GenerateAdminKey() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "sk-admin-" + hex.EncodeToString(bytes)
}

// InitializeDefaultData 初始化默认数据
// 第一次启动时生成 root admin key 并返回，之后返回空串
func InitializeDefaultData(db *gorm.DB, bootstrapKey string) (string, error) {
	var adminCount int64
	if err := db.Model(&AdminKey{}).Count(&adminCount).Error; err != nil {
		return "", err
	}
	if adminCount > 0 {
		return "", nil
	}

	key := bootstrapKey
	if key == "" {
		key = GenerateAdminKey()
	}
	adminKey := AdminKey{
		Name: "Initial Root Key",
		Key:  key,
	}
	if err := db.Create(&adminKey).Error; err != nil {
		return "", err
	}
	return adminKey.Key, nil
}
