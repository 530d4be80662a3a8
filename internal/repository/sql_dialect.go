package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// dbDialectName 获取数据库方言名称，默认按 sqlite 处理。
func dbDialectName(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return "sqlite"
	}
	name := strings.ToLower(strings.TrimSpace(db.Dialector.Name()))
	if name == "" {
		return "sqlite"
	}
	return name
}

func likeOperatorByDialect(dialect string) string {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return "ILIKE"
	default:
		return "LIKE"
	}
}

// isUniqueViolation 判断是否唯一约束冲突，兼容 sqlite 与 postgres 未开启错误翻译的情况。
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return true
	case strings.Contains(msg, "duplicate key value"):
		return true
	case strings.Contains(msg, "sqlstate 23505"):
		return true
	}
	return false
}

// translateWriteError 将唯一约束冲突统一为 ErrDuplicateKey。
func translateWriteError(err error) error {
	if isUniqueViolation(err) {
		return errors.Join(ErrDuplicateKey, err)
	}
	return err
}
