package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type ErrorCode string

const (
	CodeUnknownField ErrorCode = "unknown_field"
	CodeMissing      ErrorCode = "missing_required"
	CodeConflict     ErrorCode = "conflicting_values"
	CodeEnum         ErrorCode = "invalid_enum"
	CodeOutOfBound   ErrorCode = "out_of_bound"
	CodeType         ErrorCode = "type_mismatch"
	CodeInvalid      ErrorCode = "validation_error"
)

// CueErrorDetail is a single config error in a form fit for users.
type CueErrorDetail struct {
	Path    string // e.g. tor.port
	Code    ErrorCode
	Message string
	Pos     CueErrorPosition
	Raw     string // message as reported by cue
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", string(c.Code)),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// rules are matched in order against the raw cue message.
var rules = []struct {
	rx     *regexp.Regexp
	code   ErrorCode
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), CodeUnknownField, "%s is not a known setting"},
	{regexp.MustCompile(`(?i)incomplete value`), CodeMissing, "%s must be set"},
	{regexp.MustCompile(`(?i)must be one of|expected one of`), CodeEnum, "%s has an unsupported value"},
	{regexp.MustCompile(`(?i)invalid value .* \(out of bound`), CodeOutOfBound, "%s is out of range"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), CodeConflict, "%s has an invalid value"},
	{regexp.MustCompile(`(?i)expected .* got .*`), CodeType, "%s has a wrong type"},
}

// hints explain the accepted values of settings commonly got wrong.
var hints = map[string]string{
	"version":               "only version 0 is supported",
	"threads":               "a positive number of parallel downloads",
	"media.audio_quality":   "0 (best) to 9 (worst)",
	"media.video_quality":   "0 or more",
	"tor.port":              "a TCP port, 1 to 65535",
	"tor.check_url":         "an http or https URL",
	"tor.fallback_url":      "an http or https URL",
	"tor.bootstrap_timeout": "an ISO8601 duration like PT1M",
	"tor.health.duration":   "an ISO8601 duration like PT5M",
	"tor.health.cron":       "a 5 field cron expression or a macro like @hourly",
}

// enumPaths get the values allowed by the schema listed.
var enumPaths = []string{"log_format"}

// CueErrDetails converts errors returned by LoadConfig into details, one per
// position in the config file. Errors located only in the schema are
// dropped.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	seen := make(map[CueErrorPosition]bool)
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" || seen[pos] {
			continue
		}
		seen[pos] = true

		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := settingPath(e.Path())
		code, msg := classify(raw, path)
		if hint := hintFor(path); hint != "" {
			msg += ": expected " + hint
		}
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

func classify(raw, path string) (ErrorCode, string) {
	if path == "" {
		return CodeInvalid, raw
	}
	for _, r := range rules {
		if r.rx.MatchString(raw) {
			return r.code, fmt.Sprintf(r.format, path)
		}
	}
	return CodeInvalid, fmt.Sprintf("%s: %s", path, raw)
}

func hintFor(path string) string {
	if hint, ok := hints[path]; ok {
		return hint
	}
	if !slices.Contains(enumPaths, path) {
		return ""
	}
	values, def := enumValues(schema.LookupPath(cue.ParsePath(path)))
	if len(values) == 0 {
		return ""
	}
	hint := "one of " + strings.Join(values, ", ")
	if def != "" {
		hint += " (default " + def + ")"
	}
	return hint
}

// enumValues lists the string alternatives of a disjunction.
func enumValues(v cue.Value) (values []string, def string) {
	if d, ok := v.Default(); ok {
		def, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, def
	}
	for _, a := range args {
		s, err := a.String()
		if err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, def
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}

// settingPath drops the schema definition from a cue path.
func settingPath(p []string) string {
	p = slices.DeleteFunc(slices.Clone(p), func(s string) bool {
		return strings.HasPrefix(s, "#")
	})
	return strings.Join(p, ".")
}
