package config

import (
	"errors"
	"fmt"
)

// FieldError 定位到具体配置项，Err 保留底层原因（例如 URL 解析失败）。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// wrapFieldError 把校验函数返回的原因挂到字段上。
func wrapFieldError(field string, err error) error {
	var fe FieldError
	if errors.As(err, &fe) {
		return err
	}
	return FieldError{Field: field, Reason: "非法取值", Err: err}
}

// routeField 输出 Route[name].Field；name 为空时退化为 Route[#序号]。
func routeField(name string, index int, field string) string {
	if name == "" {
		return fmt.Sprintf("Route[#%d].%s", index, field)
	}
	return fmt.Sprintf("Route[%s].%s", name, field)
}

func engineField(section, field string) string {
	return section + "." + field
}
