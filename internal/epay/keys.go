package epay

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// 商户后台拿到的密钥格式千奇百怪：标准 PEM、整段 PEM 再 base64、
// 或者裸 DER 的 base64。这里统一归一化成 DER 再按几种编码依次试。

var errKeyFormat = errors.New("无法识别的密钥格式")

func normalizeKeyToDER(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errKeyFormat
	}
	if strings.Contains(s, "-----BEGIN") {
		return derFromPEM(s)
	}
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	der, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		der, err = base64.RawStdEncoding.DecodeString(compact)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 非 PEM 且 base64 解码失败", errKeyFormat)
	}
	if strings.Contains(string(der), "-----BEGIN") {
		return derFromPEM(string(der))
	}
	return der, nil
}

func derFromPEM(s string) ([]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: PEM 解码失败", errKeyFormat)
	}
	return block.Bytes, nil
}

// ParsePrivateKey 依次按 PKCS#8、PKCS#1 解析 RSA 私钥
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	der, err := normalizeKeyToDER(raw)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PKCS#8 里不是 RSA 私钥", errKeyFormat)
		}
		return rsaKey, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: 既不是 PKCS#8 也不是 PKCS#1", errKeyFormat)
}

// ParsePublicKey 依次按 SPKI、PKCS#1 解析 RSA 公钥
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	der, err := normalizeKeyToDER(raw)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: SPKI 里不是 RSA 公钥", errKeyFormat)
		}
		return rsaKey, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: 既不是 SPKI 也不是 PKCS#1", errKeyFormat)
}
