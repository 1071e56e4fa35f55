package broker

import (
	"errors"
	"fmt"
)

// ConnectivityError 券商不可达（网络、认证、网关错误）
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("券商连接失败 [%s]: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// OrderRejection 券商拒单
type OrderRejection struct {
	Symbol   string
	Side     string
	Quantity int
	Status   string
	Reason   string
}

func (e *OrderRejection) Error() string {
	return fmt.Sprintf("订单被拒 %s %s %d: %s (%s)", e.Symbol, e.Side, e.Quantity, e.Reason, e.Status)
}

// IsConnectivity 是否为连接错误
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsRejection 是否为拒单
func IsRejection(err error) bool {
	var re *OrderRejection
	return errors.As(err, &re)
}
