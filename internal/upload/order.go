package upload

import (
	"cmp"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Order 批次内文件的处理顺序
type Order string

const (
	// OrderNumericDesc 按文件名中最后一段数字降序，无数字的排在最后
	OrderNumericDesc Order = "numeric-desc"
	// OrderNameDesc 按文件名字典序降序
	OrderNameDesc Order = "name-desc"
	// OrderNameAsc 按文件名字典序升序
	OrderNameAsc Order = "name-asc"
)

var trailingNumber = regexp.MustCompile(`(\d+)\D*$`)

// ParseOrder 解析排序方式，空字符串使用默认的数字降序
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.TrimSpace(s)); o {
	case "":
		return OrderNumericDesc, nil
	case OrderNumericDesc, OrderNameDesc, OrderNameAsc:
		return o, nil
	default:
		return "", fmt.Errorf("未知的排序方式: %q", s)
	}
}

// numericSuffix 取去掉扩展名后文件名中的最后一段数字，去掉前导零
func numericSuffix(name string) (string, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	m := trailingNumber.FindStringSubmatch(base)
	if m == nil {
		return "", false
	}
	return strings.TrimLeft(m[1], "0"), true
}

// compareDigits 比较两个无前导零的数字串，任意长度都不溢出
func compareDigits(a, b string) int {
	if len(a) != len(b) {
		return cmp.Compare(len(a), len(b))
	}
	return strings.Compare(a, b)
}

// Sort 返回按给定顺序排列的新切片，不修改输入；结果只依赖文件名
func Sort(files []File, order Order) []File {
	sorted := slices.Clone(files)

	byNameDesc := func(a, b File) int { return strings.Compare(b.Name(), a.Name()) }

	switch order {
	case OrderNameAsc:
		slices.SortStableFunc(sorted, func(a, b File) int { return strings.Compare(a.Name(), b.Name()) })
	case OrderNameDesc:
		slices.SortStableFunc(sorted, byNameDesc)
	default:
		slices.SortStableFunc(sorted, func(a, b File) int {
			na, okA := numericSuffix(a.Name())
			nb, okB := numericSuffix(b.Name())
			switch {
			case okA && !okB:
				return -1
			case !okA && okB:
				return 1
			case okA && okB:
				if c := compareDigits(na, nb); c != 0 {
					return -c
				}
			}
			return byNameDesc(a, b)
		})
	}
	return sorted
}

// Names 返回文件名列表
func Names(files []File) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name()
	}
	return names
}
