package session

import (
	"crypto/rand"
	"strings"
)

// CodeLength 房間代碼長度
const CodeLength = 6

// 去掉容易看錯的 0/O、1/I，剛好 32 個字元，取模不會有偏差
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// maxCodeAttempts 代碼碰撞時的重試次數
const maxCodeAttempts = 5

func generateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}

// NormalizeCode 代碼不分大小寫
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode 格式是否正確
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}
