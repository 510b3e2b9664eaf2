package vhost

import "errors"

var (
	ErrNoMatch     = errors.New("vhost: no matching virtual host")
	ErrMisdirected = errors.New("vhost: sni does not match host header")
)
