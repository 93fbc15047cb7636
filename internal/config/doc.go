// Package config loads FigureForge configuration from figureforge.yaml and
// FIGUREFORGE_* environment variables, with built-in defaults for every key.
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil { /* handle */ }
//	rt, _ := runtime.Open(runtime.Options{Config: *cfg, Logger: logger})
//	defer rt.Close()
package config
