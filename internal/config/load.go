package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaMajor is the model schema major version this build reads.
const SupportedSchemaMajor = "v1"

// Format of a model document.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatFor picks the document format from a file name.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// LoadModel decodes and validates a model document. The pipeline is: schema
// validation of the raw document, strict decoding into Model, schemaVersion
// compatibility, struct-tag validation, then logical validation.
func LoadModel(data []byte, pathHint string) (*Model, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, entrackerrors.NewConfigError("model content cannot be empty", nil)
	}
	format := FormatFor(pathHint)

	doc, err := decodeGeneric(data, format)
	if err != nil {
		return nil, entrackerrors.NewConfigError(fmt.Sprintf("failed to parse model '%s'", pathHint), err)
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, entrackerrors.NewConfigError(fmt.Sprintf("model '%s' failed schema validation", pathHint), err)
	}

	var model Model
	if err := decodeStrict(data, format, &model); err != nil {
		return nil, entrackerrors.NewConfigError(fmt.Sprintf("failed to decode model '%s'", pathHint), err)
	}
	model.FilePath = pathHint

	if err := checkSchemaVersion(model.SchemaVersion, pathHint); err != nil {
		return nil, err
	}
	if err := validateStruct(&model); err != nil {
		return nil, entrackerrors.NewValidationError(fmt.Sprintf("model '%s' failed field validation", pathHint), err)
	}
	if errs := ValidateModelStructure(&model); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		combined := fmt.Sprintf("model '%s' has %d validation error(s):\n- %s", pathHint, len(msgs), strings.Join(msgs, "\n- "))
		return nil, entrackerrors.NewValidationError(combined, errs[0])
	}
	return &model, nil
}

// LoadModelFromFile reads and loads a model from disk.
func LoadModelFromFile(path string) (*Model, error) {
	if path == "" {
		return nil, entrackerrors.NewConfigError("model file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, entrackerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", path), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, entrackerrors.NewConfigError(fmt.Sprintf("failed to read model file '%s'", absPath), err)
	}
	return LoadModel(data, absPath)
}

func decodeGeneric(data []byte, format Format) (interface{}, error) {
	if format == FormatTOML {
		var doc map[string]interface{}
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("TOML parsing error: %w", err)
		}
		return doc, nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("YAML parsing error: %w", err)
	}
	return doc, nil
}

// decodeStrict rejects keys that Model does not declare.
func decodeStrict(data []byte, format Format, out *Model) error {
	if format == FormatTOML {
		md, err := toml.Decode(string(data), out)
		if err != nil {
			return fmt.Errorf("TOML parsing error: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("unknown TOML keys: %s", strings.Join(keys, ", "))
		}
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}

func checkSchemaVersion(version, pathHint string) error {
	if version == "" {
		return entrackerrors.NewValidationError(fmt.Sprintf("model '%s' is missing required 'schemaVersion' field", pathHint), nil)
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return entrackerrors.NewValidationError(fmt.Sprintf("model '%s' has invalid 'schemaVersion' format: '%s'", pathHint, version), nil)
	}
	if semver.Major(v) != SupportedSchemaMajor {
		return entrackerrors.NewValidationError(
			fmt.Sprintf("model '%s' schemaVersion '%s' is not compatible with required '%s'", pathHint, version, SupportedSchemaMajor), nil)
	}
	return nil
}
