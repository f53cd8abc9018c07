package core

import (
	"lookup-gateway/core/security"
	"lookup-gateway/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormCredentialVault_EncryptsAndUpserts(t *testing.T) {
	db := newTestDB(t)
	sp, err := security.NewAESSecretProvider("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	v := NewGormCredentialVault(db, sp, newTestLogger())

	require.NoError(t, v.SaveCredential("gemini", 2, "AIzaSyA-vault-secret"))
	require.NoError(t, v.SaveCredential("gemini", 2, "AIzaSyA-vault-secret-v2"))
	require.NoError(t, v.SaveCredential("ipinfo", 1, "ipinfo-vault-token"))

	var rows []models.StoredCredential
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.NotContains(t, row.Encrypted, "vault", "stored encrypted")
	}

	got, err := v.LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, map[string]map[int]string{
		"gemini": {2: "AIzaSyA-vault-secret-v2"},
		"ipinfo": {1: "ipinfo-vault-token"},
	}, got)
}

func TestGormCredentialVault_SkipsUndecryptableRows(t *testing.T) {
	db := newTestDB(t)
	sp, err := security.NewAESSecretProvider("0123456789abcdef")
	require.NoError(t, err)
	v := NewGormCredentialVault(db, sp, newTestLogger())

	require.NoError(t, db.Create(&models.StoredCredential{Provider: "groq", Slot: 1, Encrypted: "garbage"}).Error)
	require.NoError(t, v.SaveCredential("groq", 2, "gsk_vault-secret"))

	got, err := v.LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, map[string]map[int]string{"groq": {2: "gsk_vault-secret"}}, got)
}
