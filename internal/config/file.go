// Package config layers a TOML file under command line flags.
package config

import (
	"flag"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ApplyFile reads path and sets every flag named by a top-level key, unless
// that flag was given on the command line. Keys are flag names, so
// `max-clients = 4` in the file is the same as `-max-clients 4`.
func ApplyFile(fs *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return apply(fs, values)
}

func apply(fs *flag.FlagSet, values map[string]any) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fs.Lookup(k) == nil {
			return errors.Errorf("config: unknown key %q", k)
		}
		if explicit[k] {
			continue
		}
		switch v := values[k].(type) {
		case string, bool, int64, float64:
			if err := fs.Set(k, fmt.Sprint(v)); err != nil {
				return errors.Wrapf(err, "config: key %q", k)
			}
		default:
			return errors.Errorf("config: key %q has unsupported type %T", k, v)
		}
	}
	return nil
}
