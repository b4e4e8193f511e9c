package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	global *zap.Logger = zap.NewNop()
)

// Init 初始化全局 logger。mode 取 "debug" 时输出开发格式（彩色、栈），
// 其它一律生产 JSON 格式。失败直接返回错误，由 main 决定退出。
func Init(mode string) error {
	var (
		lg  *zap.Logger
		err error
	)
	if mode == "debug" {
		lg, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		lg, err = cfg.Build()
	}
	if err != nil {
		return err
	}
	mu.Lock()
	global = lg
	mu.Unlock()
	return nil
}

// L 结构化 logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// S sugared logger，业务代码统一用这个：S().Infow("event_name", k, v, ...)
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// SW 带固定字段的 sugared logger
func SW(kv ...interface{}) *zap.SugaredLogger {
	return L().Sugar().With(kv...)
}

// Sync 刷盘，进程退出前调用
func Sync() {
	_ = L().Sync()
}
