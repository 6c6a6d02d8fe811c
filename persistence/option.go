package persistence

type Options struct {
	// 日志目录
	LogDir string
	// 日志文件名前缀
	LogBaseName string
	// 每 flush 多少次做一次 checkpoint，<= 0 表示从不自动 checkpoint
	CheckpointInterval int64
	// 快照还原为参与者的方法
	Restorer Restorer
}

type Option func(*Options)

func WithLogDir(dir string) Option {
	return func(o *Options) {
		o.LogDir = dir
	}
}

func WithLogBaseName(name string) Option {
	return func(o *Options) {
		o.LogBaseName = name
	}
}

func WithCheckpointInterval(interval int64) Option {
	return func(o *Options) {
		o.CheckpointInterval = interval
	}
}

func WithRestorer(restorer Restorer) Option {
	return func(o *Options) {
		o.Restorer = restorer
	}
}

func repair(o *Options) {
	if o.LogDir == "" {
		o.LogDir = "./"
	}
	if o.LogBaseName == "" {
		o.LogBaseName = "tmlog"
	}
}
