package core

import (
	"errors"
	"fmt"
	"lookup-gateway/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GormCredentialVault 把替换的凭据加密后存到数据库
type GormCredentialVault struct {
	db             *gorm.DB
	secretProvider SecretProvider
	logger         *logrus.Logger
}

func NewGormCredentialVault(db *gorm.DB, sp SecretProvider, logger *logrus.Logger) *GormCredentialVault {
	return &GormCredentialVault{db: db, secretProvider: sp, logger: logger}
}

// LoadCredentials 解密失败的行会被跳过并记录日志
func (v *GormCredentialVault) LoadCredentials() (map[string]map[int]string, error) {
	var rows []models.StoredCredential
	if err := v.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load stored credentials: %w", err)
	}

	out := make(map[string]map[int]string)
	for _, row := range rows {
		secret, err := v.secretProvider.Decrypt(row.Encrypted)
		if err != nil {
			v.logger.Errorf("Failed to decrypt stored credential %s slot %d: %v", row.Provider, row.Slot, err)
			continue
		}
		if out[row.Provider] == nil {
			out[row.Provider] = make(map[int]string)
		}
		out[row.Provider][row.Slot] = secret
	}
	return out, nil
}

// SaveCredential upsert (provider, slot)
func (v *GormCredentialVault) SaveCredential(provider string, slot int, secret string) error {
	encrypted, err := v.secretProvider.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	var existing models.StoredCredential
	err = v.db.Where("provider = ? AND slot = ?", provider, slot).First(&existing).Error
	if err == nil {
		existing.Encrypted = encrypted
		return v.db.Save(&existing).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return v.db.Create(&models.StoredCredential{
		Provider:  provider,
		Slot:      slot,
		Encrypted: encrypted,
	}).Error
}
