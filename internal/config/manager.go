package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Manager 加载配置文件并支持热加载回调
type Manager struct {
	viper *viper.Viper

	mu       sync.RWMutex
	current  Config
	onChange []func(Config)
}

// NewManager 创建配置管理器并完成首次加载
func NewManager(cfgPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(cfgPath)

	// 根据文件扩展名设置配置类型
	switch filepath.Ext(cfgPath) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	default:
		v.SetConfigType("yaml")
	}
	v.AutomaticEnv()

	v.SetDefault("gateway.log_level", "info")
	v.SetDefault("gateway.http_addr", ":8080")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	m := &Manager{viper: v}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// reload 把viper当前内容解析到Config
func (m *Manager) reload() error {
	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}

	m.mu.Lock()
	m.current = cfg
	callbacks := make([]func(Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}

// Current 返回配置快照
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange 注册热加载回调，配置文件变更并成功解析后触发
func (m *Manager) OnChange(cb func(Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, cb)
	m.mu.Unlock()
}

// Watch 开始监听配置文件变更
func (m *Manager) Watch() {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("配置文件变更")
		if err := m.viper.ReadInConfig(); err != nil {
			log.Error().Err(err).Msg("重新读取配置失败，保留旧配置")
			return
		}
		if err := m.reload(); err != nil {
			log.Error().Err(err).Msg("热加载配置失败，保留旧配置")
		}
	})
	m.viper.WatchConfig()
}
