// Folio uses flags and a single optional config file for configuration.
// The config file holds a google.protobuf.Struct whose keys are flag names, written either in text format (.txtpb):
//
//	fields { key: "thumb_workers" value { number_value: 4 } }
//	fields { key: "thumb_generation_timeout" value { string_value: "3s" } }
//
// or in JSON format (.json):
//
//	{"thumb_workers": 4, "thumb_generation_timeout": "3s"}
//
// Flags given explicitly on the command line take precedence over the config file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/types/known/structpb"
)

var configFile = flag.String("config_file", "", "Path to the configuration file (.txtpb or .json).")

// ErrUnknownFlag is returned when the config file refers to a flag that isn't defined.
var ErrUnknownFlag = errors.New("unknown flag")

// structValueToString converts a config value to its string representation suitable for flag setting.
func structValueToString(value *structpb.Value) (string, error) {
	switch kind := value.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		if kind.NumberValue == math.Trunc(kind.NumberValue) && math.Abs(kind.NumberValue) < 1<<53 {
			return strconv.FormatInt(int64(kind.NumberValue), 10), nil
		}
		return strconv.FormatFloat(kind.NumberValue, 'g', -1, 64), nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	default:
		return "", fmt.Errorf("unsupported config value %T", kind)
	}
}

// ReadConfigFile parses the config file at `path`; the format is chosen by the file extension.
func ReadConfigFile(path string) (*structpb.Struct, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	conf := new(structpb.Struct)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = protojson.Unmarshal(configBytes, conf)
	default:
		err = prototext.Unmarshal(configBytes, conf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return conf, nil
}

// ApplyConfig sets the flags named in `conf`, skipping the ones in `skip`. All failures are reported together.
func ApplyConfig(conf *structpb.Struct, skip map[string]bool) error {
	var errs []error
	fields := conf.GetFields()
	for _, flagName := range slices.Sorted(maps.Keys(fields)) {
		if skip[flagName] {
			slog.Debug("Flag set on the command line; ignoring config file value.", "flag", flagName)
			continue
		}
		if flag.Lookup(flagName) == nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownFlag, flagName))
			continue
		}
		stringValue, err := structValueToString(fields[flagName])
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to convert %s: %w", flagName, err))
			continue
		}
		if err := flag.Set(flagName, stringValue); err != nil {
			errs = append(errs, fmt.Errorf("failed to set flag %s: %w", flagName, err))
		}
	}
	return errors.Join(errs...)
}

// InitFlags parses the command line flags and then applies the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFile == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	conf, err := ReadConfigFile(*configFile)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFile, "error", err)
		return
	}
	if err != nil { // If the config file cannot be read, we skip loading and use default flag values.
		slog.Error("Failed to load config file.", "error", err)
		return
	}

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if err := ApplyConfig(conf, explicit); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
	}
}

// SetTestFlag sets a flag to a specific value for the duration of the test.
func SetTestFlag(t *testing.T, name, value string) {
	t.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(t, flagHolder, "Flag %s not found", name)
	if flagHolder != nil { // Revert the flag value back to its original when the test is done.
		prevValue := flagHolder.Value.String()
		t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	}
	require.NoError(t, flag.Set(name, value))
}
