package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/genai"
	"github.com/genai-merch/api/internal/services"
)

const (
	defaultPrepareTimeout  = 2 * time.Minute
	defaultCompleteTimeout = 15 * time.Second
)

// PrintPreparer produces the print-ready derivative for one design.
type PrintPreparer interface {
	PreparePrint(ctx context.Context, req genai.PrepareRequest) (genai.PrepareResult, error)
}

// PrepareCompleter records a worker outcome. Implemented by the background
// job dispatcher.
type PrepareCompleter interface {
	CompletePrintPrepare(ctx context.Context, cmd services.CompletePrintPrepareCommand) (services.CompletePrintPrepareResult, error)
}

// LocalPrepareRunner runs print-preparation jobs in process instead of
// through Pub/Sub. Publishing starts a detached goroutine per job; work is
// keyed by design id so a newer job for the same design aborts the older
// one. Deployments with a worker fleet use the Pub/Sub publisher instead.
type LocalPrepareRunner struct {
	preparer        PrintPreparer
	logger          *zap.Logger
	prepareTimeout  time.Duration
	completeTimeout time.Duration

	mu        sync.Mutex
	completer PrepareCompleter
	running   map[string]*prepareRun
	closed    bool
	wg        sync.WaitGroup
}

// prepareRun identifies one in-flight job so the registry can tell whether a
// slot still belongs to the goroutine releasing it.
type prepareRun struct {
	cancel context.CancelFunc
}

// LocalPrepareRunnerOption customises the runner.
type LocalPrepareRunnerOption func(*LocalPrepareRunner)

// WithPrepareTimeout bounds one prepare call.
func WithPrepareTimeout(d time.Duration) LocalPrepareRunnerOption {
	return func(r *LocalPrepareRunner) {
		if d > 0 {
			r.prepareTimeout = d
		}
	}
}

// NewLocalPrepareRunner constructs a runner. The completer is bound
// afterwards via BindCompleter; the dispatcher and the runner reference each
// other.
func NewLocalPrepareRunner(preparer PrintPreparer, logger *zap.Logger, opts ...LocalPrepareRunnerOption) (*LocalPrepareRunner, error) {
	if preparer == nil {
		return nil, errors.New("local prepare runner: preparer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := &LocalPrepareRunner{
		preparer:        preparer,
		logger:          logger,
		prepareTimeout:  defaultPrepareTimeout,
		completeTimeout: defaultCompleteTimeout,
		running:         make(map[string]*prepareRun),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner, nil
}

// BindCompleter sets the dispatcher that receives job outcomes.
func (r *LocalPrepareRunner) BindCompleter(completer PrepareCompleter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completer = completer
}

// PublishPrepareJob starts the job in a detached goroutine. The job context
// does not inherit the request context; the work outlives the HTTP request
// that queued it.
func (r *LocalPrepareRunner) PublishPrepareJob(_ context.Context, message services.PrepareJobMessage) (string, error) {
	jobID := strings.TrimSpace(message.JobID)
	designID := strings.TrimSpace(message.DesignID)
	sourceURL := strings.TrimSpace(message.SourceURL)
	if jobID == "" || designID == "" || sourceURL == "" {
		return "", errors.New("local prepare runner: job id, design id and source url are required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errors.New("local prepare runner: shut down")
	}
	if r.completer == nil {
		r.mu.Unlock()
		return "", errors.New("local prepare runner: completer is not bound")
	}
	if prior, ok := r.running[designID]; ok {
		prior.cancel()
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	run := &prepareRun{cancel: cancel}
	r.running[designID] = run
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(jobCtx, run, message)

	return "local:" + jobID, nil
}

// CancelPrepare aborts the in-flight work for a design, if any.
func (r *LocalPrepareRunner) CancelPrepare(designID string) {
	designID = strings.TrimSpace(designID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.running[designID]; ok {
		run.cancel()
		delete(r.running, designID)
	}
}

// Shutdown cancels all in-flight work and waits for the goroutines to drain
// or the context to expire.
func (r *LocalPrepareRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for designID, run := range r.running {
		run.cancel()
		delete(r.running, designID)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *LocalPrepareRunner) run(jobCtx context.Context, run *prepareRun, message services.PrepareJobMessage) {
	defer r.wg.Done()
	defer run.cancel()
	defer r.release(message.DesignID, run)

	prepareCtx, cancelPrepare := context.WithTimeout(jobCtx, r.prepareTimeout)
	defer cancelPrepare()

	result, err := r.preparer.PreparePrint(prepareCtx, genai.PrepareRequest{
		DesignID: message.DesignID,
		ImageURL: message.SourceURL,
	})

	if jobCtx.Err() != nil {
		// Canceled or superseded; the dispatcher already recorded the
		// terminal status.
		r.logger.Info("prepare job aborted",
			zap.String("jobId", message.JobID),
			zap.String("designId", message.DesignID))
		return
	}

	cmd := services.CompletePrintPrepareCommand{JobID: message.JobID}
	if err != nil {
		cmd.Error = classifyPrepareError(err)
	} else {
		cmd.PrintReadyURL = result.PrintReadyURL
	}

	completeCtx, cancelComplete := context.WithTimeout(context.Background(), r.completeTimeout)
	defer cancelComplete()

	r.mu.Lock()
	completer := r.completer
	r.mu.Unlock()

	if _, err := completer.CompletePrintPrepare(completeCtx, cmd); err != nil {
		r.logger.Error("prepare job completion failed",
			zap.String("jobId", message.JobID),
			zap.String("designId", message.DesignID),
			zap.Error(err))
	}
}

// release drops the registry entry, but only when it still belongs to this
// job; a newer job for the same design owns the slot by then.
func (r *LocalPrepareRunner) release(designID string, run *prepareRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.running[designID]; ok && current == run {
		delete(r.running, designID)
	}
}

// classifyPrepareError maps vendor failures onto the job error taxonomy.
func classifyPrepareError(err error) *domain.JobError {
	var classified genai.Error
	if errors.As(err, &classified) {
		return &domain.JobError{
			Code:      string(classified.Code()),
			Message:   err.Error(),
			Retryable: classified.Retryable(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.JobError{
			Code:      string(genai.CodeNetwork),
			Message:   "prepare timed out",
			Retryable: true,
		}
	}
	return &domain.JobError{
		Code:    string(genai.CodeUnknown),
		Message: err.Error(),
	}
}
