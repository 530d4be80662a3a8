package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 零小数位币种（最小单位即主单位）
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// 三位小数币种
var threeDecimalCurrencies = map[string]struct{}{
	"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
}

// NormalizeCurrency 统一币种代码为大写
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ValidCurrency 校验 ISO-4217 三位字母代码格式
func ValidCurrency(currency string) bool {
	code := NormalizeCurrency(currency)
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// CurrencyExponent 返回币种小数位数
func CurrencyExponent(currency string) int32 {
	code := NormalizeCurrency(currency)
	if _, ok := zeroDecimalCurrencies[code]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[code]; ok {
		return 3
	}
	return 2
}

// MinorToMajor 最小单位金额转换为主单位
func MinorToMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}

// FormatMinor 以主单位字符串输出金额（固定小数位）
func FormatMinor(amount int64, currency string) string {
	return MinorToMajor(amount, currency).StringFixed(CurrencyExponent(currency))
}

// MajorToMinor 主单位字符串转换为最小单位金额，不允许超出币种精度
func MajorToMinor(value string, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	exp := CurrencyExponent(currency)
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %q exceeds %s precision", value, NormalizeCurrency(currency))
	}
	return scaled.IntPart(), nil
}
