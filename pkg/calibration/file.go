package calibration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/calibration-v1.json
var calibrationSchemaJSON string

const documentVersion = 1

type document struct {
	Version int              `yaml:"version"`
	ADC     map[string]Param `yaml:"adc,omitempty"`
	DAC     map[string]Param `yaml:"dac,omitempty"`
	TC      map[string]Param `yaml:"tc,omitempty"`
}

func (d *document) section(m Module) (map[string]Param, error) {
	var sec *map[string]Param
	switch m {
	case ADC:
		sec = &d.ADC
	case DAC:
		sec = &d.DAC
	case TC:
		sec = &d.TC
	default:
		return nil, fmt.Errorf("unknown calibration module %q", m)
	}
	if *sec == nil {
		*sec = make(map[string]Param)
	}
	return *sec, nil
}

// FileStore keeps parameters in a YAML document that is validated against
// the calibration schema on every read and write.
type FileStore struct {
	path   string
	schema *jsonschema.Schema
	mu     sync.Mutex
}

// NewFileStore returns a store backed by path. The file need not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("calibration-v1.json",
		strings.NewReader(calibrationSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("calibration-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &FileStore{path: path, schema: schema}, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Validate checks raw YAML against the calibration schema.
func (s *FileStore) Validate(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func (s *FileStore) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{Version: documentVersion}, nil
	}
	if err != nil {
		return nil, err
	}
	if err = s.Validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	doc := new(document)
	if err = yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return doc, nil
}

func (s *FileStore) write(doc *document) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := s.Validate(buf.Bytes()); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(buf.Bytes()); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.path)
	}
	if err != nil {
		return errors.Join(err, os.Remove(tmp.Name()))
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, m Module, channel string) (Param, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return Param{}, err
	}
	sec, err := doc.section(m)
	if err != nil {
		return Param{}, err
	}
	p, ok := sec[channel]
	if !ok {
		return Param{}, fmt.Errorf("%w: %s/%s", ErrCalibKeyMissing, m, channel)
	}
	return p, nil
}

func (s *FileStore) Set(_ context.Context, m Module, channel string, p Param) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	sec, err := doc.section(m)
	if err != nil {
		return err
	}
	sec[channel] = p
	return s.write(doc)
}
