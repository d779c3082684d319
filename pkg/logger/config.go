package logger

import "go.uber.org/zap/zapcore"

// Level 日志级别
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// toZapLevel 转换为 zap 级别
func (l Level) toZapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format 输出格式
type Format string

const (
	// JSONFormat JSON 格式（生产环境）
	JSONFormat Format = "json"
	// ConsoleFormat 控制台格式（开发环境）
	ConsoleFormat Format = "console"
)

// RotateConfig 文件轮转配置
type RotateConfig struct {
	Filename   string // 日志文件路径
	MaxSize    int    // 单文件最大大小（MB，默认 100MB）
	MaxAge     int    // 文件保留天数（默认 30 天）
	MaxBackups int    // 最多保留文件数（默认 10 个）
	Compress   bool   // 是否压缩
}

// setDefaults 设置默认值
func (r *RotateConfig) setDefaults() {
	if r.MaxSize == 0 {
		r.MaxSize = 100
	}
	if r.MaxAge == 0 {
		r.MaxAge = 30
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 10
	}
}

// Config 日志配置
type Config struct {
	Level   Level         // 日志级别，默认 info
	Format  Format        // 输出格式，默认 json
	Console bool          // 是否输出到控制台
	File    string        // 日志文件路径（不轮转）
	Rotate  *RotateConfig // 文件轮转输出
	Caller  bool          // 是否记录调用位置
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = InfoLevel
	}
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
}
