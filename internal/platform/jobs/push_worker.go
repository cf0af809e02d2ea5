package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/genai-merch/api/internal/genai"
	"github.com/genai-merch/api/internal/services"
)

// PushWorker executes one print-preparation job delivered over a Pub/Sub push
// subscription. It is the synchronous counterpart of the local runner: the
// subscriber redelivers on non-2xx responses, so Process fails only when the
// outcome could not be recorded.
type PushWorker struct {
	preparer       PrintPreparer
	logger         *zap.Logger
	prepareTimeout time.Duration

	mu        sync.Mutex
	completer PrepareCompleter
}

// PushWorkerOption customises the worker.
type PushWorkerOption func(*PushWorker)

// WithPushPrepareTimeout bounds one prepare call.
func WithPushPrepareTimeout(d time.Duration) PushWorkerOption {
	return func(w *PushWorker) {
		if d > 0 {
			w.prepareTimeout = d
		}
	}
}

// NewPushWorker constructs a worker. The completer is bound afterwards via
// BindCompleter; the dispatcher and the worker reference each other.
func NewPushWorker(preparer PrintPreparer, logger *zap.Logger, opts ...PushWorkerOption) (*PushWorker, error) {
	if preparer == nil {
		return nil, errors.New("push worker: preparer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	worker := &PushWorker{
		preparer:       preparer,
		logger:         logger,
		prepareTimeout: defaultPrepareTimeout,
	}
	for _, opt := range opts {
		opt(worker)
	}
	return worker, nil
}

// BindCompleter sets the dispatcher that receives job outcomes.
func (w *PushWorker) BindCompleter(completer PrepareCompleter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completer = completer
}

// ErrPushWorkerMessage marks a message the worker cannot act on; redelivery
// would reproduce the same failure.
var ErrPushWorkerMessage = errors.New("push worker: invalid message")

// Process runs the job and records its outcome. Recording uses a detached
// context so a dropped push connection cannot strand a terminal status.
func (w *PushWorker) Process(ctx context.Context, message services.PrepareJobMessage) (services.CompletePrintPrepareResult, error) {
	jobID := strings.TrimSpace(message.JobID)
	designID := strings.TrimSpace(message.DesignID)
	sourceURL := strings.TrimSpace(message.SourceURL)
	if jobID == "" || designID == "" || sourceURL == "" {
		return services.CompletePrintPrepareResult{}, ErrPushWorkerMessage
	}

	w.mu.Lock()
	completer := w.completer
	w.mu.Unlock()
	if completer == nil {
		return services.CompletePrintPrepareResult{}, errors.New("push worker: completer is not bound")
	}

	prepareCtx, cancelPrepare := context.WithTimeout(ctx, w.prepareTimeout)
	defer cancelPrepare()

	result, err := w.preparer.PreparePrint(prepareCtx, genai.PrepareRequest{
		DesignID: designID,
		ImageURL: sourceURL,
	})

	cmd := services.CompletePrintPrepareCommand{JobID: jobID}
	if err != nil {
		cmd.Error = classifyPrepareError(err)
		w.logger.Info("prepare job failed",
			zap.String("jobId", jobID),
			zap.String("designId", designID),
			zap.String("code", cmd.Error.Code))
	} else {
		cmd.PrintReadyURL = result.PrintReadyURL
	}

	completeCtx, cancelComplete := context.WithTimeout(context.Background(), defaultCompleteTimeout)
	defer cancelComplete()

	outcome, err := completer.CompletePrintPrepare(completeCtx, cmd)
	if err != nil {
		return services.CompletePrintPrepareResult{}, err
	}
	return outcome, nil
}
