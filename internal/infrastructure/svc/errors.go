package svc

import "errors"

// ErrNoVenuesEnabled 错误：启用的交易所少于两个
var ErrNoVenuesEnabled = errors.New("at least two venues must be enabled")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
