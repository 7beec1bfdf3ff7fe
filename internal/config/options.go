package config

import "log/slog"

// Option readers for [AnalyzerEntry.Options]. YAML decodes numbers into int
// or float64 depending on the literal, so the numeric readers accept both.
// A present key with an unusable type logs a warning and falls back to the
// default — KnownFields cannot check inside the free-form options map.

// StringOption returns the string option under key, or def.
func (e AnalyzerEntry) StringOption(key, def string) string {
	v, ok := e.Options[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	slog.Warn("engine option has unexpected type", "engine", e.Engine, "key", key, "value", v)
	return def
}

// FloatOption returns the numeric option under key as float64, or def.
func (e AnalyzerEntry) FloatOption(key string, def float64) float64 {
	v, ok := e.Options[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	slog.Warn("engine option has unexpected type", "engine", e.Engine, "key", key, "value", v)
	return def
}

// IntOption returns the integer option under key, or def.
func (e AnalyzerEntry) IntOption(key string, def int) int {
	v, ok := e.Options[key]
	if !ok {
		return def
	}
	if n, ok := v.(int); ok {
		return n
	}
	slog.Warn("engine option has unexpected type", "engine", e.Engine, "key", key, "value", v)
	return def
}

// BoolOption returns the boolean option under key, or def.
func (e AnalyzerEntry) BoolOption(key string, def bool) bool {
	v, ok := e.Options[key]
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	slog.Warn("engine option has unexpected type", "engine", e.Engine, "key", key, "value", v)
	return def
}
