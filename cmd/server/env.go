package main

import (
	"flag"
	"os"
)

// envOrFlag returns the environment variable when set, otherwise the flag
// value.
func envOrFlag(envKey string, flagVal *string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if flagVal != nil {
		return *flagVal
	}
	return ""
}

// applyEnvOverrides fills flags from LINKBILLING_* environment variables.
// Flags passed explicitly on the command line win.
func applyEnvOverrides() {
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	for name, env := range map[string]string{
		"config":      "LINKBILLING_CONFIG",
		"addr":        "LINKBILLING_ADDR",
		"secrets-dir": "LINKBILLING_SECRETS_DIR",
	} {
		if explicit[name] {
			continue
		}
		f := flag.Lookup(name)
		if f == nil {
			continue
		}
		cur := f.Value.String()
		if v := envOrFlag(env, &cur); v != cur {
			_ = f.Value.Set(v)
		}
	}
}
