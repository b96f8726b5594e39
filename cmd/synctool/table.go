package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/types"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Inspect and edit the local table store",
}

var defineColumns []string

var tableDefineCmd = &cobra.Command{
	Use:   "define <table>",
	Short: "Declare or extend a table's schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def := schema.TableDefinition{Name: args[0]}
		for _, raw := range defineColumns {
			name, typ, ok := splitOnce(raw, ':')
			if !ok {
				return fmt.Errorf("invalid --column %q, want name:type", raw)
			}
			def.Columns = append(def.Columns, schema.RawColumnDef{Name: name, Type: typ})
		}

		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.DefineTable(cmd.Context(), def); err != nil {
			return fmt.Errorf("define table: %w", err)
		}
		fmt.Printf("defined table %q with %d column(s)\n", def.Name, len(def.Columns))
		return nil
	},
}

var setFields []string

var tableUpsertCmd = &cobra.Command{
	Use:   "upsert <table>",
	Short: "Insert or update a row from --set key=value flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := recordFromSetFlags(setFields)
		if err != nil {
			return err
		}
		if _, ok := rec[types.IDColumn]; !ok {
			return fmt.Errorf("--set id=<value> is required")
		}

		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()

		table := args[0]
		ctx := cmd.Context()
		existing, err := client.Lookup(ctx, table, rec[types.IDColumn], true)
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		if existing != nil {
			err = client.Update(ctx, table, rec)
		} else {
			err = client.Insert(ctx, table, rec)
		}
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		fmt.Printf("upserted %s/%v\n", table, rec[types.IDColumn])
		return nil
	},
}

var tableGetCmd = &cobra.Command{
	Use:   "get <table> <id>",
	Short: "Look up a single row by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()

		rec, err := client.Lookup(cmd.Context(), args[0], args[1], false)
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		return printRecord(os.Stdout, rec)
	},
}

var (
	listFilter string
	listTop    int
)

var tableListCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List rows in a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.Read(cmd.Context(), store.Query{Table: args[0], Filter: listFilter, Top: listTop})
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		if jsonOutput {
			return printJSON(os.Stdout, result.Result)
		}
		w := newTabWriter(os.Stdout)
		defer w.Flush()
		fmt.Fprintln(w, "ID\tCOLUMNS")
		for _, rec := range result.Result {
			fmt.Fprintf(w, "%v\t%d field(s)\n", rec[types.IDColumn], len(rec))
		}
		return nil
	},
}

var tableRmCmd = &cobra.Command{
	Use:   "rm <table> <id>",
	Short: "Delete a row and log a pending delete",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := resolveClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Del(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("rm: %w", err)
		}
		fmt.Printf("deleted %s/%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	tableDefineCmd.Flags().StringArrayVar(&defineColumns, "column", nil, "column definition name:type, repeatable")
	tableUpsertCmd.Flags().StringArrayVar(&setFields, "set", nil, "field assignment key=value, repeatable")
	tableListCmd.Flags().StringVar(&listFilter, "filter", "", "translator filter expression")
	tableListCmd.Flags().IntVar(&listTop, "top", 0, "maximum rows to return (0 = all)")

	tableCmd.AddCommand(tableDefineCmd, tableUpsertCmd, tableGetCmd, tableListCmd, tableRmCmd)
}

// recordFromSetFlags builds a types.Record from repeatable key=value
// flags by assembling a JSON document with sjson and decoding it, so
// dotted/nested keys (e.g. "meta.tag") are supported for free. A value
// that already parses as JSON (42, true, "quoted") is set verbatim via
// SetRaw so numeric and boolean columns round-trip correctly; anything
// else is treated as a plain string.
func recordFromSetFlags(fields []string) (types.Record, error) {
	doc := "{}"
	for _, f := range fields {
		key, value, ok := splitOnce(f, '=')
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, want key=value", f)
		}
		var err error
		if json.Valid([]byte(value)) {
			doc, err = sjson.SetRaw(doc, key, value)
		} else {
			doc, err = sjson.Set(doc, key, value)
		}
		if err != nil {
			return nil, fmt.Errorf("--set %q: %w", f, err)
		}
	}
	var rec types.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func printRecord(w *os.File, rec types.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = w.Write(pretty.Pretty(data))
	return err
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
