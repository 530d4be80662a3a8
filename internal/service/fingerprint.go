package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprint 请求指纹：规范化输入的 JSON 再做 SHA-256
// 输入结构体字段顺序固定，map 由 encoding/json 按键排序
func fingerprint(scope string, input interface{}) (string, error) {
	raw, err := json.Marshal(struct {
		Scope string      `json:"scope"`
		Input interface{} `json:"input"`
	}{Scope: scope, Input: input})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
