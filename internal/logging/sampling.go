package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples Warn and below at the Info rate. Error and above
// bypass the sampler so failures are never dropped.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	rate, ok := cfg.Levels[zapcore.InfoLevel]
	if !ok || rate.Initial <= 0 {
		rate = DefaultLevelSamplingConfig()[zapcore.InfoLevel]
	}

	quiet := levelBand{Core: core, lo: TraceLevel, hi: zapcore.WarnLevel}
	loud := levelBand{Core: core, lo: zapcore.ErrorLevel, hi: zapcore.FatalLevel}

	return zapcore.NewTee(
		loud,
		zapcore.NewSamplerWithOptions(quiet, cfg.Tick.Duration(), rate.Initial, rate.Thereafter),
	)
}

// levelBand passes only entries with lo <= level <= hi.
type levelBand struct {
	zapcore.Core
	lo, hi zapcore.Level
}

func (b levelBand) Enabled(lvl zapcore.Level) bool {
	return lvl >= b.lo && lvl <= b.hi && b.Core.Enabled(lvl)
}

func (b levelBand) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !b.Enabled(e.Level) {
		return ce
	}
	return b.Core.Check(e, ce)
}

func (b levelBand) With(fields []zapcore.Field) zapcore.Core {
	return levelBand{Core: b.Core.With(fields), lo: b.lo, hi: b.hi}
}
