package repository

import "gorm.io/gorm"

// maxListPageSize 列表查询单页上限
const maxListPageSize = 200

// paginate 按页截取结果；pageSize<=0 时不分页
func paginate(query *gorm.DB, page, pageSize int) *gorm.DB {
	if query == nil || pageSize <= 0 {
		return query
	}
	pageSize = min(pageSize, maxListPageSize)
	page = max(page, 1)
	return query.Limit(pageSize).Offset((page - 1) * pageSize)
}
