package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/octopus-sh/octopus/pkg/cache"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/rs/zerolog"
)

// Data operation types a structured response may request.
const (
	OpCache = "cache"
	OpFile  = "file"
	OpDB    = "db"
)

// CacheTTL is the default lifetime of plugin cache writes.
const CacheTTL = time.Hour

// DataOp is one requested side effect
type DataOp struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Response is the structured return shape a plugin may produce instead of
// a plain value.
type Response struct {
	StatusCode int      `json:"status_code"`
	Message    string   `json:"message"`
	Data       []DataOp `json:"data"`
}

// TranslateStatus maps a structured response status code onto a terminal
// execution status: 2xx is success, everything else failed.
func TranslateStatus(code int) string {
	if code >= 200 && code < 300 {
		return "success"
	}
	return "failed"
}

// RecordSink persists a "db" operation as a durable sub-execution record.
// taskID is the operation's own synthetic task id, distinct from the parent
// task, so recorded data never feeds back into the parent's state. The
// worker wires this to an execution post against the coordinator.
type RecordSink func(taskID, worker, status, result string) error

// Processor turns plugin return values into (terminal status, result
// string) pairs, performing requested side effects inside a namespaced
// sandbox.
type Processor struct {
	cache      *cache.Cache
	outputsDir string
	records    RecordSink
	logger     zerolog.Logger
}

// NewProcessor creates a response processor. outputsDir is the root of the
// file sandbox; records receives "db" operations.
func NewProcessor(c *cache.Cache, outputsDir string, records RecordSink) *Processor {
	return &Processor{
		cache:      c,
		outputsDir: outputsDir,
		records:    records,
		logger:     log.Component("plugin"),
	}
}

// Process translates a plugin return value. Plain values render as the
// result string with status success. Structured responses run their data
// operations in declaration order; a failed operation is reported in the
// result string and does not abort the rest.
func (p *Processor) Process(taskID, worker string, ret any) (status, result string) {
	resp, ok := asResponse(ret)
	if !ok {
		return "success", stringify(ret)
	}

	status = TranslateStatus(resp.StatusCode)

	var lines []string
	for _, op := range resp.Data {
		line := p.apply(taskID, worker, op)
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return status, resp.Message
	}
	return status, resp.Message + "\nData Operations:\n  - " + strings.Join(lines, "\n  - ")
}

func (p *Processor) apply(taskID, worker string, op DataOp) string {
	switch op.Type {
	case OpCache:
		key := fmt.Sprintf("plugin_%s_%s", taskID, op.Name)
		p.cache.Set(key, op.Value, CacheTTL)
		return fmt.Sprintf("cache: stored %s", key)

	case OpFile:
		path, err := p.writeFile(taskID, worker, op)
		if err != nil {
			p.logger.Warn().Err(err).Str("task_id", taskID).Msg("file operation failed")
			return fmt.Sprintf("file: failed %s: %v", op.Name, err)
		}
		return fmt.Sprintf("file: wrote %s", path)

	case OpDB:
		subID := fmt.Sprintf("%s_data_%s", taskID, op.Name)
		if err := p.records(subID, worker, "completed", stringify(op.Value)); err != nil {
			p.logger.Warn().Err(err).Str("task_id", taskID).Msg("db operation failed")
			return fmt.Sprintf("db: failed %s: %v", op.Name, err)
		}
		return fmt.Sprintf("db: recorded %s", subID)
	}
	return fmt.Sprintf("unknown operation type %q", op.Type)
}

// writeFile writes the value under <outputs>/<task>/<worker>/<basename>.
// Directory components of the caller-supplied name are stripped so a plugin
// cannot escape the sandbox.
func (p *Processor) writeFile(taskID, worker string, op DataOp) (string, error) {
	name := filepath.Base(filepath.Clean(op.Name))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return "", fmt.Errorf("invalid file name %q", op.Name)
	}

	dir := filepath.Join(p.outputsDir, taskID, worker)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	var data []byte
	switch v := op.Value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		data, err = json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to serialize value: %w", err)
		}
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

// asResponse detects the structured response shape. Plugins may return
// *Response, Response, or any map that JSON-decodes into one with a
// non-zero status code.
func asResponse(ret any) (*Response, bool) {
	switch v := ret.(type) {
	case *Response:
		return v, v != nil
	case Response:
		return &v, true
	case map[string]any:
		if _, ok := v["status_code"]; !ok {
			return nil, false
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, false
		}
		return &resp, true
	}
	return nil, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case error:
		return s.Error()
	}
	if raw, err := json.Marshal(v); err == nil {
		return string(raw)
	}
	return fmt.Sprint(v)
}
