package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillhq/archivist/internal/archive"
)

// newZipCmd creates the zip command
func newZipCmd() *cobra.Command {
	var destKey string
	var partSize int64
	var parallel int

	cmd := &cobra.Command{
		Use:   "zip --dest KEY SOURCE_KEY...",
		Short: "Archive source objects into one zip object",
		Long: `Stream each source object out of the store, compress them into a
single zip archive, and persist it under the destination key via
multipart upload. Source keys become archive entries named by their
basename, in the order given.

Examples:
  archivist zip --dest exports/data.zip batch-0.json batch-1.json
  archivist zip --dest out.zip --part-size 5242880 --parallel 5 a.json b.bin`,
		Args: cobra.MinimumNArgs(1),
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
			res, err := engine.Zip(ctx, archive.ZipJob{
				SourceKeys:         args,
				DestinationKey:     destKey,
				MaxPartSize:        partSize,
				MaxParallelSources: parallel,
			})
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Printf("Archived %d object(s) into %s (%d bytes)\n",
					len(args), res.ArchiveName, res.ArchiveSizeBytes)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&destKey, "dest", "", "destination object key for the archive (required)")
	cmd.Flags().Int64Var(&partSize, "part-size", 0, "multipart part size in bytes (default from config, 10 MiB)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "max simultaneous source reads (default from config, 3)")
	_ = cmd.MarkFlagRequired("dest")

	return cmd
}
