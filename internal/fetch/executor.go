package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/marketfeed/internal/adapter"
	"github.com/quantfeed/marketfeed/internal/model"
	"github.com/quantfeed/marketfeed/internal/resilience"
)

// ArtifactSink persists fetch artifacts. Satisfied by *artifact.Store.
type ArtifactSink interface {
	Save(ctx context.Context, art *model.RawArtifact) error
	SaveScreenshot(art *model.RawArtifact, png []byte) error
}

// ExecutorOptions tunes a fetch cycle.
type ExecutorOptions struct {
	// Parallelism bounds concurrent adapter fetches. Default 4.
	Parallelism int
	// CycleTimeout bounds the whole cycle. Default 2m.
	CycleTimeout time.Duration
	// AttemptTimeout bounds a single adapter's fetch. Default 45s.
	AttemptTimeout time.Duration
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 2 * time.Minute
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 45 * time.Second
	}
	return o
}

// Executor runs one acquisition cycle: every enabled adapter is
// dispatched concurrently, wrapped in its host's circuit breaker,
// and every attempt leaves an artifact whether it succeeded or not.
type Executor struct {
	http     *HTTPClient
	pool     *RenderPool // nil when no render engine is configured
	breakers *resilience.HostBreakers
	sink     ArtifactSink
	opts     ExecutorOptions

	nowFunc func() time.Time
}

// NewExecutor wires an executor. pool may be nil; browser-mode
// adapters then fail with a recorded artifact instead of fetching.
func NewExecutor(client *HTTPClient, pool *RenderPool, breakers *resilience.HostBreakers, sink ArtifactSink, opts ExecutorOptions) *Executor {
	return &Executor{
		http:     client,
		pool:     pool,
		breakers: breakers,
		sink:     sink,
		opts:     opts.withDefaults(),
		nowFunc:  time.Now,
	}
}

// CycleResult summarizes one acquisition cycle.
type CycleResult struct {
	Started   time.Time
	Finished  time.Time
	Artifacts map[string]*model.RawArtifact // adapter id -> attempt record
	Succeeded int
	Failed    int
}

// SuccessRate is the fraction of attempts that produced a payload.
func (r *CycleResult) SuccessRate() float64 {
	total := r.Succeeded + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(total)
}

// Run fetches every spec. One adapter failing never aborts the cycle;
// the error return is reserved for cancellation of the cycle itself.
func (e *Executor) Run(ctx context.Context, specs []adapter.Spec) (*CycleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CycleTimeout)
	defer cancel()

	result := &CycleResult{
		Started:   e.nowFunc(),
		Artifacts: make(map[string]*model.RawArtifact, len(specs)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)

	for _, spec := range specs {
		g.Go(func() error {
			art := e.fetchOne(gctx, spec)
			if err := e.sink.Save(gctx, art); err != nil {
				zap.L().Error("artifact save failed",
					zap.String("adapter", spec.ID), zap.Error(err))
			}
			mu.Lock()
			result.Artifacts[spec.ID] = art
			if art.Outcome == model.OutcomeFailure {
				result.Failed++
			} else {
				result.Succeeded++
			}
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	result.Finished = e.nowFunc()

	zap.L().Info("fetch cycle finished",
		zap.Int("adapters", len(specs)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", result.Finished.Sub(result.Started)),
	)
	if err != nil {
		return result, eris.Wrap(err, "fetch: cycle aborted")
	}
	// A cycle that timed out still reports the artifacts gathered so
	// far; the deadline error surfaces so callers can flag the cycle.
	if ctx.Err() != nil && err == nil && allFailed(result) {
		return result, eris.Wrap(ctx.Err(), "fetch: cycle deadline exceeded")
	}
	return result, nil
}

func allFailed(r *CycleResult) bool {
	return r.Succeeded == 0 && r.Failed > 0
}

// fetchOne performs a single adapter attempt and always returns an
// artifact. Timeouts and breaker rejections are failures, not
// omissions.
func (e *Executor) fetchOne(ctx context.Context, spec adapter.Spec) *model.RawArtifact {
	art := &model.RawArtifact{
		ID:          uuid.NewString(),
		AdapterID:   spec.ID,
		RetrievedAt: e.nowFunc().UTC(),
	}

	host := spec.Host()
	br := e.breakers.Get(host)
	if err := br.Allow(); err != nil {
		art.Outcome = model.OutcomeFailure
		art.Failure = eris.ToString(eris.Wrapf(err, "host %s", host), false)
		zap.L().Warn("adapter skipped, circuit open",
			zap.String("adapter", spec.ID), zap.String("host", host))
		return art
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	var err error
	switch spec.Mode {
	case adapter.ModeBrowser:
		err = e.fetchBrowser(ctx, spec, art)
	default:
		err = e.fetchHTTP(ctx, spec, art)
	}
	// A cycle cancelled mid-attempt says nothing about the host; only
	// genuine attempt outcomes feed the breaker.
	if err == nil || parent.Err() == nil {
		br.Record(err)
	}

	if err != nil {
		art.Outcome = model.OutcomeFailure
		art.Failure = eris.ToString(err, false)
		zap.L().Warn("adapter fetch failed",
			zap.String("adapter", spec.ID),
			zap.String("host", host),
			zap.Error(err),
		)
		return art
	}
	if art.Outcome == "" {
		art.Outcome = model.OutcomeSuccess
	}
	return art
}

func (e *Executor) fetchHTTP(ctx context.Context, spec adapter.Spec, art *model.RawArtifact) error {
	payload, contentType, err := e.http.Get(ctx, spec.URL)
	if err != nil {
		return err
	}
	art.Payload = payload
	art.ContentType = contentType
	return nil
}

func (e *Executor) fetchBrowser(ctx context.Context, spec adapter.Spec, art *model.RawArtifact) error {
	if e.pool == nil {
		return eris.New("fetch: no render engine configured for browser-mode adapter")
	}

	req := RenderRequest{URL: spec.URL}
	if b := spec.Browser; b != nil {
		req.WaitSelector = b.WaitSelector
		req.CaptureXHR = b.CaptureXHR
		req.Screenshot = b.Screenshot
		req.ScrollPasses = b.ScrollPasses
	}

	res, err := e.pool.Render(ctx, req)
	if err != nil {
		return err
	}

	art.Payload = res.HTML
	art.ContentType = "text/html; charset=utf-8"
	art.XHR = res.XHR

	if req.CaptureXHR != "" && len(res.XHR) == 0 {
		// Page loaded but the feed requests never fired; the HTML may
		// still carry the values so downstream gets a chance at it.
		art.Outcome = model.OutcomePartial
	}
	if len(res.Screenshot) > 0 {
		if err := e.sink.SaveScreenshot(art, res.Screenshot); err != nil {
			zap.L().Warn("screenshot save failed",
				zap.String("adapter", spec.ID), zap.Error(err))
		}
	}
	return nil
}
