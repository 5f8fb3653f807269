// Package query compiles CEL expressions into recorder predicates.
//
// Expressions see one entry at a time through these variables:
//
//	method            string
//	url, host, path   string
//	status            int     (0 while no response was seen)
//	duration_ms       double  (0 while pending)
//	finished, failed  bool
//	error             string  (transport error description, "" if none)
//	request_headers   map(string, string)
//	response_headers  map(string, string)
//
// Example: `method == "POST" && status >= 400 && host.endsWith("example.com")`.
package query

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/recorder"
	"github.com/httpseal/nettrace/pkg/traffic"
)

// ErrNotBoolean is returned for expressions that do not yield a bool.
var ErrNotBoolean = errors.New("query: expression does not evaluate to a bool")

// Engine compiles and caches expressions. Safe for concurrent use.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	logger   logger.Logger
}

// NewEngine creates an engine with the entry variables declared.
func NewEngine(log logger.Logger) (*Engine, error) {
	headers := cel.MapType(cel.StringType, cel.StringType)
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("status", cel.IntType),
		cel.Variable("duration_ms", cel.DoubleType),
		cel.Variable("finished", cel.BoolType),
		cel.Variable("failed", cel.BoolType),
		cel.Variable("error", cel.StringType),
		cel.Variable("request_headers", headers),
		cel.Variable("response_headers", headers),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   log,
	}, nil
}

// Compile returns a predicate for expr. Entries for which evaluation fails
// (for instance a missing map key) do not match.
func (e *Engine) Compile(expr string) (recorder.Predicate, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	return func(entry traffic.Entry) bool {
		ok, err := evalBool(prg, entry)
		if err != nil {
			e.logger.Debug("Query %q skipped entry %s: %v", expr, entry.ID, err)
			return false
		}
		return ok
	}, nil
}

// Eval evaluates expr against a single entry.
func (e *Engine) Eval(expr string, entry traffic.Entry) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	return evalBool(prg, entry)
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: got %s", ErrNotBoolean, out)
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func evalBool(prg cel.Program, entry traffic.Entry) (bool, error) {
	out, _, err := prg.Eval(Activation(entry))
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, ErrNotBoolean
	}
	return b, nil
}

// Activation maps an entry to the variables visible to expressions.
func Activation(entry traffic.Entry) map[string]any {
	vars := map[string]any{
		"method":           entry.Request.Method,
		"url":              entry.Request.URLString(),
		"host":             "",
		"path":             "",
		"status":           int64(entry.StatusCode()),
		"duration_ms":      0.0,
		"finished":         entry.Finished(),
		"failed":           entry.Failed(),
		"error":            "",
		"request_headers":  headerMap(entry.Request.Headers),
		"response_headers": map[string]string{},
	}
	if entry.Request.URL != nil {
		vars["host"] = entry.Request.URL.Hostname()
		vars["path"] = entry.Request.URL.Path
	}
	if entry.Duration != nil {
		vars["duration_ms"] = float64(*entry.Duration) / float64(time.Millisecond)
	}
	if entry.Error != nil {
		vars["error"] = entry.Error.Description
	}
	if entry.Response != nil {
		vars["response_headers"] = headerMap(entry.Response.Headers)
	}
	return vars
}

func headerMap(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
