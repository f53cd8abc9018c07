package core

import (
	"lookup-gateway/models"
	"time"
)

// Clock 可注入的时间源，测试里用来推进时间
type Clock func() time.Time

// SecretProvider 抽象密钥加解密
// 用于持久化管理员替换的凭据
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// CredentialVault 管理员替换凭据的持久化存储
type CredentialVault interface {
	// LoadCredentials 返回 provider -> slot -> secret
	LoadCredentials() (map[string]map[int]string, error)
	SaveCredential(provider string, slot int, secret string) error
}

// LookupAuditor 接收每次 resolve 的审计记录 (实现必须非阻塞)
type LookupAuditor interface {
	Log(entry *models.LookupLog, attempts []AttemptRecord)
}
