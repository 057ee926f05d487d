package fitness

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"gonevo/dataset"
)

func (e *Evaluator) crossValidate(log *slog.Logger, model Model, d *prepared) ([]FoldResult, error) {
	folds, err := dataset.KFold(len(d.trainX), e.cfg.CrossValidationSplit)
	if err != nil {
		return nil, err
	}
	log.Info("training start",
		"folds", len(folds),
		"epochs", e.cfg.NumEpochs,
		"batch_size", e.cfg.BatchSize,
	)
	out := make([]FoldResult, 0, len(folds))
	for f, fold := range folds {
		fr, err := e.trainFold(log.With("fold", f), model, d, fold, f)
		if err != nil {
			return out, fmt.Errorf("fold %d: %w", f, err)
		}
		e.metrics.observeFold(fr)
		out = append(out, fr)
	}
	return out, nil
}

// trainFold trains model from fresh parameters on one fold. Validation and
// test reports run every validation_freq epochs and on every warmup epoch.
// Test accuracy feeds the early stopping checkpoints. At the end the model
// records its validation and test results.
func (e *Evaluator) trainFold(log *slog.Logger, model Model, d *prepared, fold dataset.Fold, f int) (FoldResult, error) {
	cfg := &e.cfg
	start := time.Now()
	xTr, yTr := gather(d.trainX, fold.Train), gather(e.trainY, fold.Train)
	xVal, yVal := gather(d.trainX, fold.Validation), gather(e.trainY, fold.Validation)
	log.Info("fold start", "train", len(xTr), "validation", len(xVal))

	rng := rand.New(rand.NewSource(cfg.Seed + int64(f)))
	order := make([]int, len(xTr))
	for i := range order {
		order[i] = i
	}
	bx := make([][]float64, 0, cfg.BatchSize)
	by := make([][]float64, 0, cfg.BatchSize)

	var res FoldResult
	stops := newCheckpoints(cfg.ValidationFreq)
	model.ReinitializeParams()

	for epoch := 1; epoch <= cfg.NumEpochs; epoch++ {
		res.Epochs = epoch
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for lo := 0; lo < len(order); lo += cfg.BatchSize {
			bx, by = bx[:0], by[:0]
			for _, i := range order[lo:min(lo+cfg.BatchSize, len(order))] {
				bx = append(bx, xTr[i])
				by = append(by, yTr[i])
			}
			if err := model.Train(epoch, bx, by); err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		if epoch%cfg.TrainFreq == 0 {
			log.Info("train", "epoch", epoch, "loss", model.TrainLoss())
		}
		if epoch%cfg.ValidationFreq == 0 || epoch < warmupEpochs {
			if _, err := model.Test(xVal, yVal, false); err != nil {
				return res, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			log.Info("validation", "epoch", epoch, "loss/acc", model.TestLossString())
			if _, err := model.Test(d.testX, e.testY, false); err != nil {
				return res, fmt.Errorf("epoch %d test: %w", epoch, err)
			}
			log.Info("test", "epoch", epoch, "loss/acc", model.TestLossString())
		}

		if stops.due(epoch) {
			acc, err := model.Test(d.testX, e.testY, true)
			if err != nil {
				return res, fmt.Errorf("epoch %d checkpoint: %w", epoch, err)
			}
			if stops.record(acc, cfg.EarlyStopFreq, cfg.EarlyStopEpsilon) {
				log.Info("early stopping", "epoch", epoch, "latest", stops.latest(cfg.EarlyStopFreq))
				res.EarlyStopped = true
				break
			}
		}
	}

	var err error
	if res.ValidationAccuracy, err = model.Test(xVal, yVal, false); err != nil {
		return res, fmt.Errorf("final validation: %w", err)
	}
	model.SaveValidationLoss()
	log.Info("fold validation", "loss/acc", model.TestLossString())
	if res.TestAccuracy, err = model.Test(d.testX, e.testY, false); err != nil {
		return res, fmt.Errorf("final test: %w", err)
	}
	model.SaveTestLoss()
	log.Info("fold test", "loss/acc", model.TestLossString())

	res.Duration = time.Since(start)
	log.Info("fold finished", "epochs", res.Epochs, "early_stopped", res.EarlyStopped, "minutes", res.Duration.Minutes())
	return res, nil
}

func gather(rows [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}
