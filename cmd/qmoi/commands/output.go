package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// display writes v as json or yaml, or calls table for any other format.
func display(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case "json":
		return displayJSON(w, v)
	case "yaml":
		return displayYAML(w, v)
	case "table", "":
		table(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

func displayJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func displayYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func statusTag(ok bool) string {
	if ok {
		return "[OK]"
	}
	return "[FAIL]"
}
