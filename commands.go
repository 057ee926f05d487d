package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"gonevo/config"
	"gonevo/dataset"
	"gonevo/fitness"
	"gonevo/imageproc"
	"gonevo/logging"
)

var (
	configPath      string
	individualsPath string
	metricsAddr     string
	programText     string
	imageIndex      int
	outPath         string

	rootCmd = &cobra.Command{
		Use:           "gonevo",
		Short:         "Fitness evaluation for evolved image preprocessing and CNN architectures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	evaluateCmd = &cobra.Command{
		Use:   "evaluate",
		Short: "Train and score every individual in a YAML file",
		RunE:  runEvaluate,
	}

	previewCmd = &cobra.Command{
		Use:   "preview",
		Short: "Apply a preprocessing program to one dataset image and save it as PNG",
		RunE:  runPreview,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "evaluation config file")

	evaluateCmd.Flags().StringVar(&individualsPath, "individuals", "individuals.yaml", "YAML list of individuals to evaluate")
	evaluateCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")

	previewCmd.Flags().StringVar(&programText, "program", "identity", "preprocessing program")
	previewCmd.Flags().IntVar(&imageIndex, "index", 0, "dataset image to preview")
	previewCmd.Flags().StringVar(&outPath, "out", "preview.png", "output PNG path")

	rootCmd.AddCommand(evaluateCmd, previewCmd)
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", configPath, err)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	return cfg, log, nil
}

// evaluation is one line of the evaluate command's YAML report.
type evaluation struct {
	Seq      int     `yaml:"seq"`
	Genome   string  `yaml:"genome"`
	Fitness  float64 `yaml:"fitness"`
	Outcome  string  `yaml:"outcome"`
	Error    string  `yaml:"error,omitempty"`
	Duration string  `yaml:"duration"`
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	specs, err := readIndividuals(individualsPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "addr", metricsAddr, "err", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		log.Info("serving metrics", "addr", metricsAddr)
	}

	ev, err := newScorer(cfg, fitness.WithLogger(log), fitness.WithRegisterer(reg))
	if err != nil {
		return err
	}

	report, evalErr := evaluateAll(ev, specs, cfg.Maximize, log)
	// a fatal fault still reports the individuals scored before it
	if err := writeReport(cmd.OutOrStdout(), report); err != nil {
		return errors.Join(evalErr, err)
	}
	return evalErr
}

// scorer is the part of fitness.Evaluator the evaluate command drives.
type scorer interface {
	Evaluate(ind fitness.Individual, seq int) (fitness.Result, error)
}

var newScorer = func(cfg *config.Config, opts ...fitness.Option) (scorer, error) {
	ev, err := fitness.NewEvaluator(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// evaluateAll scores specs in order. The host owns the evaluation counter.
// On a fatal fault it stops and returns the entries completed so far.
func evaluateAll(ev scorer, specs []fitness.IndividualSpec, maximize bool, log *slog.Logger) ([]evaluation, error) {
	report := make([]evaluation, 0, len(specs))
	for i, spec := range specs {
		seq := i + 1
		ind, err := spec.Decode()
		var res fitness.Result
		if err != nil {
			res = fitness.Result{
				Seq:     seq,
				Fitness: fitness.Worst(maximize),
				Outcome: fitness.OutcomeMalformed,
				Err:     err,
			}
			log.Warn("individual does not decode", "evaluation", seq, "err", err)
		} else if res, err = ev.Evaluate(ind, seq); err != nil {
			return report, fmt.Errorf("evaluation %d: %w", seq, err)
		}
		e := evaluation{
			Seq:      seq,
			Genome:   ind.Genome,
			Fitness:  res.Fitness,
			Outcome:  string(res.Outcome),
			Duration: res.Duration.Round(time.Millisecond).String(),
		}
		if e.Genome == "" {
			e.Genome = spec.Genome
		}
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
		report = append(report, e)
	}
	return report, nil
}

func readIndividuals(path string) ([]fitness.IndividualSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var specs []fitness.IndividualSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("individuals %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("individuals %s: no individuals", path)
	}
	return specs, nil
}

func writeReport(w io.Writer, report []evaluation) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(report)
}

func runPreview(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ds, err := dataset.Read(cfg.DatasetID)
	if err != nil {
		return err
	}
	if imageIndex < 0 || imageIndex >= ds.Len() {
		return fmt.Errorf("index %d outside dataset of %d images", imageIndex, ds.Len())
	}
	prog, err := imageproc.Parse(programText)
	if err != nil {
		return err
	}

	p := &imageproc.Processor{Workers: 1, MaxPixels: cfg.MaxPixels}
	batch, err := p.Process(ds.Images[imageIndex:imageIndex+1], prog, cfg.Resize)
	if err != nil {
		return err
	}
	shape := batch.Shape()
	img := tensor.New(tensor.WithShape(shape[1], shape[2], shape[3]), tensor.WithBacking(batch.Data()))
	if err := dataset.SavePNG(img, outPath); err != nil {
		return err
	}

	label := fmt.Sprint(ds.Class(imageIndex))
	if cfg.LabelNames != "" {
		if names, err := dataset.ReadLabelNames(cfg.LabelNames); err == nil && ds.Class(imageIndex) < len(names) {
			label = names[ds.Class(imageIndex)]
		}
	}
	log.Info("preview written", "path", outPath, "index", imageIndex, "label", label, "program", prog.String(), "shape", shape[1:])
	fmt.Fprintln(cmd.OutOrStdout(), outPath)
	return nil
}
