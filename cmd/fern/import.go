package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/apprecord"
	"github.com/Ramsey-B/fern/pkg/models"
)

// maxRecordLine bounds one JSON line; store descriptions can be long
const maxRecordLine = 16 << 20

func newImportCommand(ctx *commandContext) *cobra.Command {
	var catalog string
	var force bool

	cmd := &cobra.Command{
		Use:   "import FILE.jsonl",
		Short: "Load JSON-lines app records into a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cmd.Context()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			records, err := readRecords(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			_, db, err := ctx.openDB(c)
			if err != nil {
				return err
			}
			repo := apprecord.NewRepository(db, ctx.logger)

			changed := records
			if !force {
				stored, err := repo.Fingerprints(c, catalog)
				if err != nil {
					return err
				}
				if changed, err = apprecord.Changed(catalog, records, stored); err != nil {
					return err
				}
			}

			if err := repo.Upsert(c, catalog, changed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records into %s (%d unchanged)\n", len(changed), catalog, len(records)-len(changed))
			return nil
		},
	}

	cmd.Flags().StringVar(&catalog, "catalog", "", "Catalog the records belong to")
	cmd.Flags().BoolVar(&force, "force", false, "Rewrite records whose content is unchanged")
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}

var recordValidator = validator.New()

// readRecords parses one record per line. Blank lines are skipped; a malformed
// or invalid line fails the whole import.
func readRecords(r io.Reader) ([]models.AppRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)

	var records []models.AppRecord
	seen := make(map[string]int)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec models.AppRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := recordValidator.Struct(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec.Derived = models.Derived{}

		if prev, ok := seen[rec.ID]; ok {
			records[prev] = rec
			continue
		}
		seen[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line+1, err)
	}
	return records, nil
}
