// Package config loads service configuration from struct tag defaults, an
// optional YAML or JSON file, an optional .env file and the process
// environment. Later layers win:
//
//	envDefault tags < config file < .env file < environment variables
//
// # Struct tags
//
//   - `env:"NAME"` binds a field to an environment variable. On a nested
//     struct the tag becomes a prefix for the children, so a field tagged
//     `env:"ISSUER"` inside a struct tagged `env:"OIDC"` loaded with prefix
//     "IAM" reads IAM_OIDC_ISSUER.
//   - `envDefault:"value"` sets the value of a zero field.
//   - `required:"true"` rejects a zero field after loading.
//   - `validate:"..."` applies go-playground/validator rules.
//
// File loading uses the `yaml` and `json` tags of the respective decoders.
//
// # Usage
//
//	cfg := config.MustLoad[ServiceConfig](
//	    config.New().WithEnvPrefix("IAM").WithFile("iam.yaml").WithDotEnv(".env"),
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

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration layers into a struct. A Loader is not safe
// for concurrent use.
type Loader struct {
	envPrefix  string
	filePath   string
	dotEnvPath string
	dotEnv     map[string]string
}

// New returns a Loader that reads only defaults and the environment.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends prefix and an underscore to every variable name.
// The prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a .yaml, .yml or .json file to load. A missing file is not
// an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithDotEnv sets a dotenv file whose entries behave like environment
// variables that the real environment overrides. A missing file is not an
// error.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, and
// validates the result. Loading failures carry
// [sserr.CodeInternalConfiguration]; validation failures carry
// [sserr.CodeValidationRequired] or [sserr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := walk(rv, "", func(field reflect.Value, sf reflect.StructField, _ string) error {
		def, ok := sf.Tag.Lookup("envDefault")
		if !ok || !field.IsZero() {
			return nil
		}
		if err := setField(field, def); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: invalid default for field %q", sf.Name)
		}
		return nil
	}); err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	if l.dotEnvPath != "" {
		if err := l.loadDotEnv(); err != nil {
			return err
		}
	}

	if err := walk(rv, l.envPrefix, func(field reflect.Value, sf reflect.StructField, key string) error {
		if key == "" {
			return nil
		}
		val, ok := l.lookup(key)
		if !ok {
			return nil
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: cannot set field %q from %s", sf.Name, key)
		}
		return nil
	}); err != nil {
		return err
	}

	return validate(cfg, rv)
}

// MustLoad loads a T or panics. Intended for main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := l.dotEnv[key]
	return v, ok
}

func (l *Loader) loadDotEnv() error {
	values, err := godotenv.Read(l.dotEnvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read dotenv file %q", l.dotEnvPath)
	}
	l.dotEnv = values
	return nil
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

	var decode func([]byte, any) error
	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	case ".json":
		decode = json.Unmarshal
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err := decode(data, cfg); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to parse file %q", l.filePath)
	}
	return nil
}

// walk visits every settable leaf field of rv. key is the fully prefixed
// environment variable name of the leaf, or "" when it has no env tag.
func walk(rv reflect.Value, prefix string, visit func(reflect.Value, reflect.StructField, string) error) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		tag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := walk(field, joinKey(prefix, tag), visit); err != nil {
				return err
			}
			continue
		}

		key := ""
		if tag != "" {
			key = joinKey(prefix, tag)
		}
		if err := visit(field, sf, key); err != nil {
			return err
		}
	}
	return nil
}

func joinKey(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

// setField parses value into field. Supported kinds: string (including
// named string types such as Secret), bool, signed and unsigned integers,
// float64, time.Duration and []string (comma separated).
func setField(field reflect.Value, value string) error {
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
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
