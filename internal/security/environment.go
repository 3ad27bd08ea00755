package security

// Environment 提供运行环境能力，仅用于决定日志脱敏强度。
// 构造Guard时注入一次，不在调用路径上反复推导。
type Environment interface {
	IsProduction() bool
}

// StaticEnvironment 固定取值的环境实现
type StaticEnvironment struct {
	Production bool
}

// IsProduction 返回构造时固定的取值
func (e StaticEnvironment) IsProduction() bool {
	return e.Production
}
