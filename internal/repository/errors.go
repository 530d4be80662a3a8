package repository

import "errors"

var (
	// ErrVersionConflict 版本号不匹配，记录已被并发修改
	ErrVersionConflict = errors.New("record version conflict")
	// ErrDuplicateKey 唯一约束冲突
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrStateConflict 条件更新未命中（状态已变化）
	ErrStateConflict = errors.New("record state changed")
)
