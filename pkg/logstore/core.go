package logstore

import (
	"go.uber.org/zap/zapcore"
)

// Core is a zapcore.Core that retains every enabled entry in a Store. Tee it
// with the process's output core so the node's own logs can be queried.
type Core struct {
	zapcore.LevelEnabler
	store  *Store
	fields []zapcore.Field
}

func NewCore(store *Store, level zapcore.LevelEnabler) *Core {
	return &Core{LevelEnabler: level, store: store}
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	var kv map[string]any
	if len(c.fields)+len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range c.fields {
			f.AddTo(enc)
		}
		for _, f := range fields {
			f.AddTo(enc)
		}
		kv = enc.Fields
	}
	c.store.Append(Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
		Fields:  kv,
	})
	return nil
}

func (c *Core) Sync() error { return nil }
