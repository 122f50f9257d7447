package cfg

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// FillFromYAML sets flags that are still unset from a YAML file whose keys are
// flag names, e.g.
//
//	ratelimit-per-minute: 20
//	ratelimit-exempt-roles: [admin, service]
//
// Call it after FillFromEnv so the precedence stays cli > env > file > default.
// An empty path is a no-op. Unknown keys are errors, a typo should not silently
// leave a limit at its default.
func FillFromYAML(fs *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrapf(err, "read config file %s", path)
	}
	return fillFromYAML(fs, data)
}

func fillFromYAML(fs *flag.FlagSet, data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return xerrors.Wrap(err, "parse config file")
	}

	explicit := explicitFlags(fs)
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var errs []error
	for _, k := range keys {
		if fs.Lookup(k) == nil {
			errs = append(errs, fmt.Errorf("config file: unknown key %q", k))
			continue
		}
		if explicit[k] || k == "config" {
			continue
		}
		v, err := yamlScalar(doc[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("config file: key %q: %w", k, err))
			continue
		}
		if err := fs.Set(k, v); err != nil {
			errs = append(errs, fmt.Errorf("config file: key %q: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// yamlScalar renders a decoded YAML value the way it would be typed on the command line.
// Sequences become comma separated lists.
func yamlScalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(t), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			s, err := yamlScalar(e)
			if err != nil {
				return "", err
			}
			if strings.Contains(s, ",") {
				return "", fmt.Errorf("list element %q contains a comma", s)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}
