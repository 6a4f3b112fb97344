package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iceball/predictor/internal/catalog"
	"github.com/iceball/predictor/internal/importer"
	"github.com/iceball/predictor/internal/log"
	"github.com/iceball/predictor/internal/pipeline"
	"github.com/iceball/predictor/internal/scene"
	"github.com/iceball/predictor/internal/store"
)

var (
	flagInputs    []string
	flagOutputDir string
	flagModel     string
	flagCPU       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run segments the iceball of input volumes and saves the segmentation",
	RunE:  doRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&flagInputs, "input", "i", nil, "input volume (.nrrd, .nii, .nii.gz), repeat for models with more inputs")
	runCmd.Flags().StringVarP(&flagOutputDir, "output", "o", ".", "directory the segmentation is saved into")
	runCmd.Flags().StringVarP(&flagModel, "model", "m", "", "model id, the current version of the first model by default")
	runCmd.Flags().BoolVar(&flagCPU, "cpu", false, "run inference on CPU")
	_ = runCmd.MarkFlagRequired("input")
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("iceball",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	teeLines(os.Stdout)

	cat, err := openCatalog()
	if err != nil {
		return err
	}
	desc, err := cat.Default()
	if flagModel != "" {
		desc, err = cat.Resolve(flagModel)
	}
	if err != nil {
		return err
	}
	terms, err := terminologyTable()
	if err != nil {
		return err
	}

	sc := scene.New()
	loaded := make([]*scene.VolumeNode, 0, len(flagInputs))
	for _, path := range flagInputs {
		n, err := sc.LoadVolume(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		loaded = append(loaded, n)
	}
	inputs := make([]scene.Node, 0, len(desc.Inputs))
	for i, n := range catalog.AssignInputsByName(desc.Inputs, loaded) {
		if n == nil {
			return fmt.Errorf("no input volume for %q", desc.Inputs[i].Title)
		}
		inputs = append(inputs, n)
	}
	output := sc.AddSegmentation(inputs[0].Name() + "-iceball")

	var opts []pipeline.Option
	if config.History.Enabled {
		journal, err := store.Open(ctx, historyPath())
		if err != nil {
			return err
		}
		defer func() {
			_ = journal.Close()
		}()
		opts = append(opts, pipeline.WithJournal(journal))
	}
	im := importer.New(cat, terms, sc, config.Terminology.UseStandardSegmentNames)
	orch := pipeline.New(cat, im, config, opts...)

	rec, err := orch.Process(ctx, inputs, output, desc.ID, flagCPU, nil)
	if err != nil {
		return err
	}
	// an interrupt cancels the run through ctx, wait for its completion
	res, err := rec.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("processing finished with return code %d: %w", res.ReturnCode, res.Err)
	}

	path, err := output.Save(flagOutputDir)
	if err != nil {
		return fmt.Errorf("saving segmentation: %w", err)
	}
	for _, s := range output.Segments() {
		slog.DebugContext(ctx, "segment", "name", s.Name, "label", s.LabelValue, "terminology", s.Terminology)
	}
	fmt.Println(path)
	return nil
}
