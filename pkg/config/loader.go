// Package config loads authgate deployment settings from struct tag
// defaults, an optional YAML or JSON file, and environment variables.
// Later layers win:
//
//	envDefault struct tags  (lowest priority)
//	YAML/JSON config file
//	Environment variables  (highest priority)
//
// # Struct Tags
//
//   - `env:"VAR_NAME"` maps the field to an environment variable
//   - `envDefault:"value"` sets a default when the field is zero-valued
//   - `envSeparator:";"` splits list values on a separator other than ","
//   - `required:"true"` fails validation if the field remains zero
//
// File loading goes through the `yaml` and `json` tags.
//
// # Usage
//
//	opts := config.MustLoad[authenticate.Options](
//	    config.New().WithEnvPrefix("AUTHGATE").WithFile("authgate.yaml"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// durationType distinguishes time.Duration from plain int64 fields.
var durationType = reflect.TypeOf(time.Duration(0))

// defaultSeparator splits list values when no envSeparator tag is set.
const defaultSeparator = ","

// Loader resolves configuration layers into a struct. It is not safe for
// concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
}

// New creates a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends prefix and "_" to every environment variable
// name. The prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a YAML (.yaml, .yml) or JSON (.json) file to load. A
// missing file is not an error. Paths containing ".." are rejected.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, and
// validates it: fields tagged `required:"true"` must be non-zero, then
// [Validator] runs if cfg implements it.
//
// Error codes returned:
//   - [sserr.CodeInternalConfiguration]: cfg is not a struct pointer, or a
//     file or env value could not be read or parsed
//   - [sserr.CodeValidationRequired]: a required field is empty
//   - any code returned by the struct's Validate method
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	if err := walk(rv, "", applyDefault); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := walk(rv, l.envPrefix, applyEnv); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T and panics on failure. Use it in main, where an
// invalid configuration must stop startup.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

// fieldFunc is applied to every settable leaf field. envKey is the
// field's env tag joined with the accumulated prefix, or empty.
type fieldFunc func(field reflect.Value, sf reflect.StructField, envKey string) error

// walk visits the leaf fields of rv. A nested struct's env tag extends the
// prefix for its fields; embedded structs without a tag share the parent
// prefix.
func walk(rv reflect.Value, prefix string, fn fieldFunc) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		tag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := walk(field, joinEnv(prefix, tag), fn); err != nil {
				return err
			}
			continue
		}

		envKey := ""
		if tag != "" {
			envKey = joinEnv(prefix, tag)
		}
		if err := fn(field, sf, envKey); err != nil {
			return err
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

// applyDefault sets a zero-valued field from its envDefault tag.
func applyDefault(field reflect.Value, sf reflect.StructField, _ string) error {
	def, ok := sf.Tag.Lookup("envDefault")
	if !ok || def == "" || !field.IsZero() {
		return nil
	}
	if err := setField(field, def, separator(sf)); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to apply default for field %q", sf.Name)
	}
	return nil
}

// applyEnv sets a field from its environment variable, if present.
func applyEnv(field reflect.Value, sf reflect.StructField, envKey string) error {
	if envKey == "" {
		return nil
	}
	val, ok := os.LookupEnv(envKey)
	if !ok {
		return nil
	}
	if err := setField(field, val, separator(sf)); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to set field %q from env var %q", sf.Name, envKey)
	}
	return nil
}

func separator(sf reflect.StructField) string {
	if sep := sf.Tag.Get("envSeparator"); sep != "" {
		return sep
	}
	return defaultSeparator
}

// setField parses value into field. Supported: string and named string
// types (remote.Secret), bool, signed integers, time.Duration, and slices
// of string kinds split on sep with surrounding space trimmed and empty
// items dropped.
func setField(field reflect.Value, value, sep string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, sep) {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		// MakeSlice keeps named element types such as token.Type.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
