package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志配置
type Options struct {
	Name       string // logger 名称
	Level      string // debug / info / warn / error / fatal
	Filename   string // 日志文件，为空时不落文件
	MaxAgeDays int    // 历史文件保留天数
	MaxSizeMB  int    // 单个文件大小上限
	MaxBackups int    // 历史文件个数
	Compress   bool   // 是否压缩历史文件
	Console    bool   // 同时输出到 stderr
}

type Option func(*Options)

func NewOptions(opts ...Option) Options {
	options := Options{
		Name:       "goxa",
		Level:      "info",
		Filename:   "goxa.log",
		MaxAgeDays: 10,
		MaxSizeMB:  100,
		MaxBackups: 3,
		Compress:   true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithLogLevel(level string) Option {
	return func(o *Options) {
		o.Level = level
	}
}

func WithFileName(filename string) Option {
	return func(o *Options) {
		o.Filename = filename
	}
}

func WithMaxAge(days int) Option {
	return func(o *Options) {
		o.MaxAgeDays = days
	}
}

func WithMaxSize(megabytes int) Option {
	return func(o *Options) {
		o.MaxSizeMB = megabytes
	}
}

func WithMaxBackups(backups int) Option {
	return func(o *Options) {
		o.MaxBackups = backups
	}
}

func WithCompress(compress bool) Option {
	return func(o *Options) {
		o.Compress = compress
	}
}

func WithConsole(console bool) Option {
	return func(o *Options) {
		o.Console = console
	}
}

// Levels 未知级别按 info 处理
var Levels = map[string]zapcore.Level{
	"":      zapcore.InfoLevel,
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

func level(name string) zapcore.Level {
	if l, ok := Levels[name]; ok {
		return l
	}
	return zapcore.InfoLevel
}

type sugarLogger struct {
	*zap.SugaredLogger
}

func (s *sugarLogger) With(keysAndValues ...interface{}) Logger {
	return &sugarLogger{SugaredLogger: s.SugaredLogger.With(keysAndValues...)}
}

// NewSugarLogger zap 负责编码，lumberjack 负责文件滚动
func NewSugarLogger(options Options) Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	var syncers []zapcore.WriteSyncer
	if options.Filename != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   options.Filename,
			MaxAge:     options.MaxAgeDays,
			MaxSize:    options.MaxSizeMB,
			MaxBackups: options.MaxBackups,
			Compress:   options.Compress,
		}))
	}
	if options.Console || len(syncers) == 0 {
		syncers = append(syncers, zapcore.Lock(os.Stderr))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), level(options.Level))
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Named(options.Name)
	return &sugarLogger{SugaredLogger: logger.Sugar()}
}
