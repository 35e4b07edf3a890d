package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"astrophot/internal/config"
)

// Config get/set operate on dotted paths into the JSON file, for example
// "matching.tolerance" or "selection.sigma_clip". Get reads from the loaded
// configuration so defaults show through; set rewrites the file.

func newConfigGetCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := json.Marshal(root.cfg)
			if err != nil {
				return err
			}
			var tree map[string]any
			if err := json.Unmarshal(raw, &tree); err != nil {
				return err
			}
			val, err := lookupPath(tree, args[0])
			if err != nil {
				return err
			}
			fmt.Println(formatValue(val))
			return nil
		},
	}
}

func newConfigSetCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration value and save the file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}

			tree := make(map[string]any)
			data, err := os.ReadFile(path)
			if err == nil {
				if err := json.Unmarshal(data, &tree); err != nil {
					return fmt.Errorf("existing config is not valid JSON: %w", err)
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := setPath(tree, args[0], parseValue(args[1])); err != nil {
				return err
			}

			out, err := json.MarshalIndent(tree, "", "  ")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
				return err
			}
			root.log.Info("configuration updated", "key", args[0], "value", args[1], "file", path)
			return nil
		},
	}
}

func lookupPath(tree map[string]any, key string) (any, error) {
	parts := strings.Split(key, ".")
	var cur any = tree
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("no such config key: %s", key)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("no such config key: %s", key)
		}
	}
	return cur, nil
}

func setPath(tree map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")
	if len(parts) == 0 || key == "" {
		return fmt.Errorf("empty config key")
	}
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// parseValue interprets the CLI string as a bool or number when possible,
// keeping it a string otherwise.
func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func formatValue(v any) string {
	switch t := v.(type) {
	case map[string]any:
		out, _ := json.MarshalIndent(t, "", "  ")
		return string(out)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
