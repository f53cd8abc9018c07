package core

import (
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"
)

var subjectValidator = validator.New()

// SubjectNormalizer 校验并归一化某个 capability 的 subject
type SubjectNormalizer func(subject string) (string, error)

// NormalizeIP 接受 IPv4 / IPv6 字面量，返回规范形式
func NormalizeIP(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if err := subjectValidator.Var(subject, "required,ip"); err != nil {
		return "", &InvalidInputError{Capability: string(CapabilityIPLookup), Subject: subject, Reason: "not an IP address"}
	}
	addr, err := netip.ParseAddr(subject)
	if err != nil {
		return "", &InvalidInputError{Capability: string(CapabilityIPLookup), Subject: subject, Reason: err.Error()}
	}
	return addr.Unmap().String(), nil
}

// NormalizeDomain 只接受裸域名: 无 scheme、路径、端口，至少两级
// google.com 合法；http://google.com 和 google 不合法
func NormalizeDomain(subject string) (string, error) {
	subject = strings.ToLower(strings.TrimSpace(subject))
	invalid := func(reason string) (string, error) {
		return "", &InvalidInputError{Capability: string(CapabilityDomainLookup), Subject: subject, Reason: reason}
	}

	if strings.ContainsAny(subject, ":/?#@ ") {
		return invalid("expected a bare domain name without scheme, port or path")
	}
	subject = strings.TrimSuffix(subject, ".")
	if !strings.Contains(subject, ".") {
		return invalid("expected at least two labels")
	}
	if len(subject) > 253 {
		return invalid("longer than 253 characters")
	}
	if err := subjectValidator.Var(subject, "required,fqdn"); err != nil {
		return invalid("not a valid domain name")
	}
	return subject, nil
}

// IsValidDomain 域名格式检查
func IsValidDomain(subject string) bool {
	_, err := NormalizeDomain(subject)
	return err == nil
}

// IsValidIP IP 格式检查
func IsValidIP(subject string) bool {
	_, err := NormalizeIP(subject)
	return err == nil
}
