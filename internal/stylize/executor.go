// -----------------------------------------------------------------------
// Stylize executor
// Blends the colour statistics of a style image into a content image,
// one gradient step per epoch
// -----------------------------------------------------------------------

package stylize

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/models"
)

// stepGain maps the user-facing learning rate onto pixel units
const stepGain = 100

// State is the per-job computation state
type State struct {
	content   *planes
	generated *planes
	styleMean [3]float64
	styleStd  [3]float64
	region    image.Rectangle // content area of the padded canvas
	params    models.JobParams
	total     int
	completed int
}

func (s *State) Total() int     { return s.total }
func (s *State) Completed() int { return s.completed }

// Executor implements interfaces.StepExecutor for "stylize" jobs
type Executor struct {
	size    int
	quality int
	logger  arbor.ILogger
}

// NewExecutor creates a new stylize executor
func NewExecutor(cfg common.StylizeConfig, logger arbor.ILogger) *Executor {
	size := cfg.ImageSize
	if size <= 0 {
		size = 512
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Executor{
		size:    size,
		quality: quality,
		logger:  logger,
	}
}

// GetWorkerType returns the job type this executor handles
func (e *Executor) GetWorkerType() string {
	return models.JobTypeStylize
}

// Init loads both images and seeds the generated image with the content
func (e *Executor) Init(ctx context.Context, job *models.Job) (interfaces.StepState, error) {
	if err := job.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	content, region, err := loadImage(job.ContentPath, e.size)
	if err != nil {
		return nil, fmt.Errorf("content image: %w", err)
	}
	style, styleRegion, err := loadImage(job.StylePath, e.size)
	if err != nil {
		return nil, fmt.Errorf("style image: %w", err)
	}

	state := &State{
		content:   content,
		generated: content.clone(),
		region:    region,
		params:    job.Params,
		total:     job.Params.Epochs,
	}
	for c := 0; c < 3; c++ {
		state.styleMean[c], state.styleStd[c] = style.stats(c, styleRegion)
	}

	e.logger.Debug().
		Str("job_id", job.ID).
		Int("epochs", state.total).
		Int("size", e.size).
		Msg("Stylize state initialised")

	return state, nil
}

// Advance runs one epoch: a gradient step on
// alpha*|G-C|^2 + beta*((mean(G)-mean(S))^2 + (std(G)-std(S))^2) per channel.
func (e *Executor) Advance(ctx context.Context, st interfaces.StepState) (interfaces.StepState, bool, error) {
	state, ok := st.(*State)
	if !ok {
		return nil, false, fmt.Errorf("unexpected state type %T", st)
	}
	if state.completed >= state.total {
		return state, false, nil
	}

	lr := float32(state.params.LearningRate * stepGain)
	alpha := float32(state.params.Alpha)
	beta := state.params.Beta

	for c := 0; c < 3; c++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		g := state.generated.c[c]
		content := state.content.c[c]
		mean, std := state.generated.stats(c, state.region)

		dMean := float32(2 * beta * (mean - state.styleMean[c]))
		var dStd float32
		if std > 1e-6 {
			dStd = float32(2 * beta * (std - state.styleStd[c]) / std)
		}
		m := float32(mean)

		w := state.generated.w
		r := state.region
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				i := y*w + x
				grad := 2*alpha*(g[i]-content[i]) + dMean + dStd*(g[i]-m)
				v := g[i] - lr*grad
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				g[i] = v
			}
		}
	}

	state.completed++
	return state, state.completed < state.total, nil
}

// Finalize crops the padding off the generated canvas and writes a JPEG.
// The file appears at outputPath only once fully written, and never after
// ctx is cancelled.
func (e *Executor) Finalize(ctx context.Context, st interfaces.StepState, outputPath string) error {
	state, ok := st.(*State)
	if !ok {
		return fmt.Errorf("unexpected state type %T", st)
	}

	out := state.generated.toRGBA().SubImage(state.region)

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".pastiche-*.jpg")
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, out, &jpeg.Options{Quality: e.quality}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
