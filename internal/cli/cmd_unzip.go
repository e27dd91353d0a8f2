package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillhq/archivist/internal/archive"
)

// newUnzipCmd creates the unzip command
func newUnzipCmd() *cobra.Command {
	var prefix string
	var partSize int64
	var parallel int

	cmd := &cobra.Command{
		Use:   "unzip --prefix PREFIX SOURCE_KEY",
		Short: "Extract a zip object into individual objects",
		Long: `Stream the archive object out of the store and write each entry to
its own object under the output prefix. Entries larger than the part
size are uploaded through their own multipart session.

Example:
  archivist unzip --prefix imports/job-1 exports/data.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if partSize == 0 {
				partSize = cfg.Engine.MaxPartSize
			}
			if parallel == 0 {
				parallel = cfg.Engine.MaxParallel
			}

			ctx := cmd.Context()
			store, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}

			engine := archive.New(store, newLogger())
			res, err := engine.Unzip(ctx, archive.UnzipJob{
				SourceKey:          args[0],
				OutputPrefix:       prefix,
				MaxPartSize:        partSize,
				MaxParallelEntries: parallel,
			})
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Printf("Extracted %d object(s), %d bytes total\n",
					len(res.OutputKeys), res.ExtractedBytesTotal)
				for _, key := range res.OutputKeys {
					fmt.Println(" ", key)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "output key prefix for extracted objects (required)")
	cmd.Flags().Int64Var(&partSize, "part-size", 0, "multipart part size in bytes (default from config, 10 MiB)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "max destination writers in flight (default from config, 3)")
	_ = cmd.MarkFlagRequired("prefix")

	return cmd
}
