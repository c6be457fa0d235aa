// Package render writes command results to the output in the requested
// format.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	json "github.com/json-iterator/go"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// Formats understood by New.
const (
	FormatJSON  = "json"
	FormatTable = "table"
)

// Renderer writes one result payload to the output.
type Renderer interface {
	Write(v any) error
	Close() error
}

// New creates a renderer for the given format writing to out.
func New(format string, out io.Writer) (Renderer, error) {
	switch format {
	case FormatJSON:
		return &jsonRenderer{out: out}, nil
	case FormatTable:
		return &tableRenderer{out: out}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// -- JSON --

type jsonRenderer struct {
	out io.Writer
}

func (r *jsonRenderer) Write(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	data = append(data, '\n')
	if _, err := r.out.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *jsonRenderer) Close() error { return nil }

// -- Table --

type tableRenderer struct {
	out io.Writer
}

// Write renders the operations preview of a sync run. Rows appear in
// apply order: groups, then users, then directories.
func (r *tableRenderer) Write(v any) error {
	ops, ok := v.(*records.OperationsContainer)
	if !ok {
		return fmt.Errorf("table format cannot render %T", v)
	}

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	headers := []string{"KIND", "OPERATION", "SUBJECT", "CHANGES"}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	row := func(kind, operation, subject string, diff map[string]any) {
		fmt.Fprintln(tw, strings.Join([]string{kind, operation, subject, diffSummary(diff)}, "\t"))
	}
	for _, op := range ops.LdapGroupOps {
		row("ldap_group", string(op.Operation), op.Group.CN, op.Diff)
	}
	for _, op := range ops.LdapUserOps {
		row("ldap_user", string(op.Operation), op.User.UID, op.Diff)
	}
	for _, op := range ops.FsOps {
		row("fs", string(op.Operation), op.Directory.Path, op.Diff)
	}
	return tw.Flush()
}

func (r *tableRenderer) Close() error { return nil }

// diffSummary joins the changed attribute names so the table stays
// narrow; the full target values are in the JSON output.
func diffSummary(diff map[string]any) string {
	if len(diff) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(diff))
	for key := range diff {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
