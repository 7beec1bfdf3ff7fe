package config

import (
	"fmt"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level and the
// keyword list can be applied to a running server; everything else is
// reported in RestartRequired so operators know a reload was not enough.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	KeywordsChanged     bool
	NewKeywords         []string
	NewKeywordThreshold float64

	// RestartRequired lists the YAML paths of changed fields that only take
	// effect on restart.
	RestartRequired []string
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.KeywordsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if !slices.Equal(old.Transcript.Keywords, new.Transcript.Keywords) ||
		old.Transcript.KeywordThreshold != new.Transcript.KeywordThreshold {
		d.KeywordsChanged = true
		d.NewKeywords = slices.Clone(new.Transcript.Keywords)
		d.NewKeywordThreshold = new.Transcript.KeywordThreshold
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	restart("log.format", old.Log.Format != new.Log.Format)
	restart("server", !reflect.DeepEqual(old.Server, new.Server))
	restart("pipeline", old.Pipeline != new.Pipeline)
	restart("ingress", old.Ingress != new.Ingress)
	restart("resilience", old.Resilience != new.Resilience)
	restart("transcript.enabled", old.Transcript.Enabled != new.Transcript.Enabled)

	for _, kind := range []string{"vad", "asr", "diarization"} {
		oldEntry, newEntry := analyzerEntry(old, kind), analyzerEntry(new, kind)
		restart(fmt.Sprintf("analyzers.%s", kind),
			oldEntry.Engine != newEntry.Engine || !reflect.DeepEqual(oldEntry.Options, newEntry.Options))
	}

	return d
}

func analyzerEntry(cfg *Config, kind string) AnalyzerEntry {
	switch kind {
	case "vad":
		return cfg.Analyzers.VAD
	case "asr":
		return cfg.Analyzers.ASR
	default:
		return cfg.Analyzers.Diarization
	}
}
