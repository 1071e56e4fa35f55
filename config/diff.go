package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ConfigChange 单个配置项变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "risk.stop_loss_pct"
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 两份配置的差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// Empty 是否没有任何变更
func (d *ConfigDiff) Empty() bool {
	return d == nil || len(d.Changes) == 0
}

// String 变更摘要，用于日志
func (d *ConfigDiff) String() string {
	if d.Empty() {
		return "无变更"
	}
	parts := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		parts = append(parts, fmt.Sprintf("%s: %v -> %v", c.Path, c.OldValue, c.NewValue))
	}
	return strings.Join(parts, "; ")
}

// 运行中可直接生效的配置前缀，其余（风控、策略、券商等）均需重启
var hotPaths = []string{
	"log_level",
	"log",
}

// DiffConfig 按 yaml 路径对比两份配置
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{}
	if oldConfig == nil || newConfig == nil {
		return diff
	}
	diff.walk(reflect.ValueOf(*oldConfig), reflect.ValueOf(*newConfig), "")
	sort.Slice(diff.Changes, func(i, j int) bool { return diff.Changes[i].Path < diff.Changes[j].Path })
	for _, c := range diff.Changes {
		if c.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

func (d *ConfigDiff) walk(oldVal, newVal reflect.Value, path string) {
	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			name := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			d.walk(oldVal.Field(i), newVal.Field(i), joinPath(path, name))
		}
	case reflect.Map:
		keys := make(map[string]reflect.Value)
		for _, k := range oldVal.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = k
		}
		for _, k := range newVal.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = k
		}
		for name, k := range keys {
			o, n := oldVal.MapIndex(k), newVal.MapIndex(k)
			var ov, nv interface{}
			if o.IsValid() {
				ov = o.Interface()
			}
			if n.IsValid() {
				nv = n.Interface()
			}
			if !reflect.DeepEqual(ov, nv) {
				d.add(joinPath(path, name), ov, nv)
			}
		}
	default:
		// 切片整体比较
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) add(path string, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func requiresRestart(path string) bool {
	for _, p := range hotPaths {
		if path == p || strings.HasPrefix(path, p+".") {
			return false
		}
	}
	return true
}
