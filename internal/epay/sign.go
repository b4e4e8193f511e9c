package epay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

const (
	// SignTypeRSA SHA-256，协议默认
	SignTypeRSA = "RSA"
	// SignTypeRSASHA1 老商户网关只认 SHA-1
	SignTypeRSASHA1 = "RSA-SHA1"
)

// canonicalize 拼待签名串：去掉 sign / sign_type 和空值，
// 其余键按 ASCII 升序排好，连成 k1=v1&k2=v2。
func canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// canonicalizeResponse 响应验签用同一套规则，但响应是 JSON，
// 数组 / 对象 / null 一律不参与签名。数字要保留网关原始字面量，
// 调用方必须用 json.Number 解出来再传进来。
func canonicalizeResponse(body map[string]interface{}) string {
	params := make(map[string]string, len(body))
	for k, v := range body {
		switch val := v.(type) {
		case string:
			params[k] = val
		case json.Number:
			params[k] = val.String()
		case bool:
			params[k] = strconv.FormatBool(val)
		}
	}
	return canonicalize(params)
}

func hashFor(signType string) (crypto.Hash, func([]byte) []byte) {
	if signType == SignTypeRSASHA1 {
		return crypto.SHA1, func(b []byte) []byte {
			sum := sha1.Sum(b)
			return sum[:]
		}
	}
	return crypto.SHA256, func(b []byte) []byte {
		sum := sha256.Sum256(b)
		return sum[:]
	}
}

// signContent RSA 私钥签名，返回 base64
func signContent(priv *rsa.PrivateKey, signType, content string) (string, error) {
	hash, digest := hashFor(signType)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, hash, digest([]byte(content)))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// verifyContent 网关公钥验签
func verifyContent(pub *rsa.PublicKey, signType, content, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return err
	}
	hash, digest := hashFor(signType)
	return rsa.VerifyPKCS1v15(pub, hash, digest([]byte(content)), sig)
}
