package model

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindInput               Kind = "InputError"
	KindProvision           Kind = "ProvisionError"
	KindLaunch              Kind = "LaunchError"
	KindNavigation          Kind = "NavigationError"
	KindNavigationTimeout   Kind = "NavigationTimeout"
	KindNoCapturedTraffic   Kind = "NoCapturedTraffic"
	KindUnsupportedEncoding Kind = "UnsupportedEncoding"
	KindDecode              Kind = "DecodeError"
	KindTeardown            Kind = "TeardownError"
	KindUnknown             Kind = "Unknown"
)

// Error 带分类的调用错误，保留原始错误用于诊断
type Error struct {
	Kind Kind
	Op   string // 失败的阶段
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf 创建带分类的错误
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap 为错误附加分类；已分类的错误保持原分类
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误分类，未分类错误返回 KindUnknown
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// IsKind 判断错误是否属于指定分类
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
