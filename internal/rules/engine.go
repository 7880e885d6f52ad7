package rules

import (
	"sort"
	"strings"
)

// HeaderOverride 调用方提供的请求头覆盖规则，作用于浏览器发出的每个请求
type HeaderOverride struct {
	headers map[string]string
	names   []string // 按小写名排序，保证应用顺序稳定
}

// New 从调用方头部映射创建覆盖规则；映射为空时返回 nil
func New(headers map[string]string) *HeaderOverride {
	if len(headers) == 0 {
		return nil
	}
	o := &HeaderOverride{headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		o.headers[k] = v
		o.names = append(o.names, k)
	}
	sort.Slice(o.names, func(i, j int) bool {
		return strings.ToLower(o.names[i]) < strings.ToLower(o.names[j])
	})
	return o
}

// Len 返回规则中的头部数量
func (o *HeaderOverride) Len() int {
	if o == nil {
		return 0
	}
	return len(o.headers)
}

// Apply 返回应用覆盖后的新头部映射：同名（大小写不敏感）原值被删除后写入覆盖值，其余头部原样保留
func (o *HeaderOverride) Apply(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+o.Len())
	for k, v := range in {
		out[k] = v
	}
	if o == nil {
		return out
	}
	for _, name := range o.names {
		for k := range out {
			if strings.EqualFold(k, name) {
				delete(out, k)
			}
		}
		out[name] = o.headers[name]
	}
	return out
}

// Has 判断规则是否覆盖指定头部（大小写不敏感）
func (o *HeaderOverride) Has(name string) bool {
	if o == nil {
		return false
	}
	for _, n := range o.names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Matched 返回请求中被覆盖的头部名称
func (o *HeaderOverride) Matched(in map[string]string) []string {
	if o == nil {
		return nil
	}
	var names []string
	for _, name := range o.names {
		for k := range in {
			if strings.EqualFold(k, name) {
				names = append(names, name)
				break
			}
		}
	}
	return names
}
