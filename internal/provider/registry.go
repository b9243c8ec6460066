package provider

import (
	"errors"
	"strings"
)

var ErrProviderNotFound = errors.New("不支持的支付渠道")

// Registry 渠道适配器注册表
// 启动时注册全部渠道，运行期按结算单的 provider 字段取用
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(a.Name()))
		if name == "" {
			continue
		}
		r.adapters[name] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return a, nil
}

func (r *Registry) Exists(name string) bool {
	_, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
