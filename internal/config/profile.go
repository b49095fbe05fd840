package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"wingetd/internal/core"
)

//go:embed profile.schema.json
var profileSchemaJSON []byte

var (
	profileSchema     *jsonschema.Schema
	profileSchemaOnce sync.Once
	profileSchemaErr  error
)

func compileProfileSchema() (*jsonschema.Schema, error) {
	profileSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(profileSchemaJSON))
		if err != nil {
			profileSchemaErr = fmt.Errorf("unmarshal profile schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("profile.schema.json", doc); err != nil {
			profileSchemaErr = fmt.Errorf("add profile schema resource: %w", err)
			return
		}
		profileSchema, profileSchemaErr = compiler.Compile("profile.schema.json")
		if profileSchemaErr != nil {
			profileSchemaErr = fmt.Errorf("compile profile schema: %w", profileSchemaErr)
		}
	})
	return profileSchema, profileSchemaErr
}

type profileFile struct {
	Executable       string              `yaml:"executable"`
	DefaultSource    string              `yaml:"default_source"`
	Columns          *int                `yaml:"columns"`
	Encoding         string              `yaml:"encoding"`
	InteractiveFlags []string            `yaml:"interactive_flags"`
	SoftSuccess      []softSuccessEntry  `yaml:"soft_success"`
	DefaultFlags     map[string][]string `yaml:"default_flags"`
	DownloadDir      string              `yaml:"download_dir"`
	ArtifactMarker   *string             `yaml:"artifact_marker"`
	Shell            *shellFile          `yaml:"shell"`
}

type softSuccessEntry struct {
	// Code is an integer or a decimal/hex string.
	Code any    `yaml:"code"`
	Note string `yaml:"note"`
}

func (e softSuccessEntry) value() (int64, error) {
	switch v := e.Code.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 0, 64)
	default:
		return 0, fmt.Errorf("unsupported code type %T", e.Code)
	}
}

type shellFile struct {
	Exe     string   `yaml:"exe"`
	Args    []string `yaml:"args"`
	Prelude string   `yaml:"prelude"`
}

// LoadProfile reads the tool profile at path on top of the built-in winget
// profile. An empty path returns the built-in profile unchanged.
func LoadProfile(path string) (core.Profile, error) {
	profile := core.DefaultProfile()
	if strings.TrimSpace(path) == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile validates YAML profile data and merges it over the defaults.
func ParseProfile(data []byte) (core.Profile, error) {
	profile := core.DefaultProfile()
	if err := ValidateProfile(data); err != nil {
		return profile, err
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return profile, fmt.Errorf("decode profile: %w", err)
	}
	return file.apply(profile)
}

// ValidateProfile checks YAML profile data against the embedded JSON schema.
func ValidateProfile(data []byte) error {
	schema, err := compileProfileSchema()
	if err != nil {
		return err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	if raw == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert profile: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("convert profile: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("profile validation failed: %w", err)
	}
	return nil
}

func (f profileFile) apply(p core.Profile) (core.Profile, error) {
	if f.Executable != "" {
		p.Executable = f.Executable
	}
	if f.DefaultSource != "" {
		p.DefaultSource = f.DefaultSource
	}
	if f.Columns != nil {
		p.Columns = *f.Columns
	}
	if f.Encoding != "" {
		p.Encoding = f.Encoding
	}
	if f.InteractiveFlags != nil {
		p.InteractiveFlags = f.InteractiveFlags
	}
	if f.SoftSuccess != nil {
		codes := make(map[int64]string, len(f.SoftSuccess))
		var errs []error
		for _, entry := range f.SoftSuccess {
			code, err := entry.value()
			if err != nil {
				errs = append(errs, fmt.Errorf("soft_success code %v: %w", entry.Code, err))
				continue
			}
			codes[code] = entry.Note
		}
		if err := errors.Join(errs...); err != nil {
			return p, err
		}
		p.SoftSuccess = core.NewSoftSuccessTable(codes)
	}
	if len(f.DefaultFlags) > 0 {
		p.DefaultFlags = make(map[core.Verb][]string, len(f.DefaultFlags))
		for verb, flags := range f.DefaultFlags {
			p.DefaultFlags[core.Verb(verb)] = flags
		}
	}
	if f.DownloadDir != "" {
		p.DownloadDir = os.ExpandEnv(f.DownloadDir)
	}
	if f.ArtifactMarker != nil {
		p.ArtifactMarker = *f.ArtifactMarker
	}
	if f.Shell != nil {
		p.Shell = core.ShellWrapper{Exe: f.Shell.Exe, Args: f.Shell.Args, Prelude: f.Shell.Prelude}
	}
	return p, nil
}
