// Package cachekey builds the opaque cache key from request components and
// derives the 64-bit hash used for index ordering and disk sharding.
package cachekey

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/creachadair/cityhash"
)

// Key 是缓存对象的唯一标识，Data 相等即视为同一对象。
type Key struct {
	Data []byte
	Hash uint64
}

// New 复制 data 并计算 cityhash。
func New(data []byte) Key {
	cp := append([]byte(nil), data...)
	return Key{Data: cp, Hash: cityhash.Hash64(cp)}
}

// Hex 返回 16 位十六进制哈希，用于磁盘目录与文件名。
func (k Key) Hex() string {
	return fmt.Sprintf("%016x", k.Hash)
}

func (k Key) Equal(other Key) bool {
	return k.Hash == other.Hash && bytes.Equal(k.Data, other.Data)
}

func (k Key) IsZero() bool {
	return len(k.Data) == 0
}

func (k Key) String() string {
	return strings.ReplaceAll(string(k.Data), "\x00", ".")
}

// Source 是构造 key 所需的请求视图，与具体 HTTP 框架解耦。
type Source struct {
	Method string
	Scheme string
	Host   string
	URI    string
	Path   string
	Query  string
	Header func(name string) string
	Cookie func(name string) string
	Param  func(name string) string
	Body   []byte
}

// DefaultSpec 与常见反向代理缓存保持一致：method.scheme.host.uri。
var DefaultSpec = []string{"method", "scheme", "host", "uri"}

// Build 按 spec 中的组件顺序拼接 key，每个组件以 \x00 结尾。
//
// 支持的组件：method scheme host uri path query body，
// 以及 header_<name>、cookie_<name>、param_<name>。
func Build(spec []string, src Source) (Key, error) {
	if len(spec) == 0 {
		spec = DefaultSpec
	}

	var buf bytes.Buffer
	for _, raw := range spec {
		component := strings.ToLower(strings.TrimSpace(raw))
		value, err := componentValue(component, raw, src)
		if err != nil {
			return Key{}, err
		}
		buf.Write(value)
		buf.WriteByte(0)
	}
	return New(buf.Bytes()), nil
}

// ValidateSpec 检查组件名称是否可识别，供配置校验使用。
func ValidateSpec(spec []string) error {
	for _, raw := range spec {
		if _, err := componentValue(strings.ToLower(strings.TrimSpace(raw)), raw, Source{}); err != nil {
			return err
		}
	}
	return nil
}

func componentValue(component, raw string, src Source) ([]byte, error) {
	switch component {
	case "method":
		return []byte(src.Method), nil
	case "scheme":
		return []byte(src.Scheme), nil
	case "host":
		return []byte(src.Host), nil
	case "uri":
		return []byte(src.URI), nil
	case "path":
		return []byte(src.Path), nil
	case "query":
		return []byte(src.Query), nil
	case "body":
		return src.Body, nil
	}

	name := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(component, "header_"):
		return lookup(src.Header, name[len("header_"):]), nil
	case strings.HasPrefix(component, "cookie_"):
		return lookup(src.Cookie, name[len("cookie_"):]), nil
	case strings.HasPrefix(component, "param_"):
		return lookup(src.Param, name[len("param_"):]), nil
	}
	return nil, fmt.Errorf("unknown key component: %s", raw)
}

func lookup(fn func(string) string, name string) []byte {
	if fn == nil || name == "" {
		return nil
	}
	return []byte(fn(name))
}
