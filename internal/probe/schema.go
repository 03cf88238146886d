package probe

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed report.schema.json
var reportSchema string

const reportSchemaURL = "rootprobe://probe/report.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(reportSchemaURL, strings.NewReader(reportSchema)); err != nil {
			compileErr = fmt.Errorf("add report schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(reportSchemaURL)
	})
	return compiled, compileErr
}

// ValidateReport checks the JSON span of raw against the probe report schema.
// It is diagnostic only: Parse accepts reports that fail validation, and a
// nil error here does not mean the driver was installed.
func ValidateReport(raw string) error {
	first := strings.IndexByte(raw, '{')
	last := strings.LastIndexByte(raw, '}')
	if first < 0 || last < 0 || first >= last {
		return ErrNoObject
	}

	dec := json.NewDecoder(strings.NewReader(raw[first : last+1]))
	dec.UseNumber()
	var report any
	if err := dec.Decode(&report); err != nil {
		return fmt.Errorf("decode probe report: %w", err)
	}

	s, err := schema()
	if err != nil {
		return err
	}
	return s.Validate(report)
}
