package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dantte-lp/gofido/hiddev"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is
// not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// renderJSON pretty-prints v as indented JSON.
func renderJSON(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal output: %w", err)
	}
	return string(out) + "\n", nil
}

// formatDevices renders enumerated devices in the requested format.
func formatDevices(infos []hiddev.DeviceInfo, format string) (string, error) {
	switch format {
	case formatJSON:
		type deviceJSON struct {
			Path      string `json:"path"`
			VendorID  string `json:"vendorId"`
			ProductID string `json:"productId"`
			Name      string `json:"name,omitempty"`
			FIDO      bool   `json:"fido"`
		}
		out := make([]deviceJSON, 0, len(infos))
		for _, d := range infos {
			name, _ := d.ProductName()
			out = append(out, deviceJSON{
				Path:      d.Path,
				VendorID:  fmt.Sprintf("%04x", d.VendorID),
				ProductID: fmt.Sprintf("%04x", d.ProductID),
				Name:      name,
				FIDO:      d.IsFIDO(),
			})
		}
		return renderJSON(out)

	case formatTable:
		var sb strings.Builder
		w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tVENDOR\tPRODUCT\tNAME")
		for _, d := range infos {
			name, ok := d.ProductName()
			if !ok {
				name = "-"
			}
			fmt.Fprintf(w, "%s\t%04x\t%04x\t%s\n", d.Path, d.VendorID, d.ProductID, name)
		}
		w.Flush()
		return sb.String(), nil

	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatResult renders an operation result: JSON for json, a key/value
// listing for table. Other formats are rejected.
func formatResult(pairs [][2]string, v any, format string) (string, error) {
	switch format {
	case formatJSON:
		return renderJSON(v)
	case formatTable:
		var sb strings.Builder
		w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		for _, p := range pairs {
			fmt.Fprintf(w, "%s:\t%s\n", p[0], p[1])
		}
		w.Flush()
		return sb.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
